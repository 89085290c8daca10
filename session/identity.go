// Package session holds the active credential and the user identity derived
// from it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"chatsync/storage"
)

// ErrDecode reports a credential that does not carry a usable identity.
var ErrDecode = errors.New("session: credential cannot be decoded")

var identityClaims = []string{"user_id", "userId", "id", "_id", "sub"}

// Decode extracts the user identity from a bearer token. The signature is not
// verified; the backend does that on every request.
func Decode(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrDecode)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	for _, key := range identityClaims {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case json.Number:
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: no identity claim", ErrDecode)
}

// Change describes one identity transition.
type Change struct {
	Previous string
	Current  string
	// AccountSwitched is set when Current is a different non-empty identity
	// than the last non-empty one seen.
	AccountSwitched bool
}

// CredentialStore persists the credential pair between runs.
type CredentialStore interface {
	SaveCredential(token, refreshToken string) error
	LoadCredential() (token, refreshToken string, err error)
	ClearCredential() error
}

// Options configures a Session.
type Options struct {
	Store  CredentialStore
	Logger zerolog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	store  CredentialStore
	logger zerolog.Logger

	mu           sync.Mutex
	token        string
	refreshToken string
	userID       string
	lastKnown    string
	observers    map[int]func(Change)
	nextObserver int
}

// New creates a signed-out session.
func New(options Options) *Session {
	return &Session{
		store:     options.Store,
		logger:    options.Logger,
		observers: make(map[int]func(Change)),
	}
}

// SetCredential replaces the active credential. An empty token signs out. An
// undecodable token is cleared and ErrDecode returned; the session is then
// signed out.
func (s *Session) SetCredential(token string) error {
	return s.apply(token, "")
}

// CurrentUserID returns the identity of the active credential, or "".
func (s *Session) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Credential returns the active bearer token.
func (s *Session) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RefreshCredential returns the refresh token stored alongside the credential.
func (s *Session) RefreshCredential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// Subscribe registers fn for identity changes. Observers run synchronously
// after the change, outside the session lock.
func (s *Session) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Rehydrate applies the persisted credential, if any. It reports whether a
// usable credential was restored; an undecodable one is purged from storage.
func (s *Session) Rehydrate() (bool, error) {
	if s.store == nil {
		return false, nil
	}

	token, refresh, err := s.store.LoadCredential()
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}

	if err := s.apply(token, refresh); err != nil {
		s.logger.Warn().Err(err).Msg("discarding persisted credential")
		if clearErr := s.store.ClearCredential(); clearErr != nil {
			return false, fmt.Errorf("clear credential: %w", clearErr)
		}
		return false, nil
	}
	return true, nil
}

// SignIn persists and applies a credential pair returned by the backend.
func (s *Session) SignIn(token, refreshToken string) error {
	if _, err := Decode(token); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveCredential(token, refreshToken); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
	}
	return s.apply(token, refreshToken)
}

// SignOut clears the active and persisted credential.
func (s *Session) SignOut() error {
	if err := s.apply("", ""); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.ClearCredential(); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *Session) apply(token, refreshToken string) error {
	userID := ""
	var decodeErr error
	if strings.TrimSpace(token) != "" {
		userID, decodeErr = Decode(token)
		if decodeErr != nil {
			token, refreshToken = "", ""
		}
	}

	s.mu.Lock()
	s.token = token
	s.refreshToken = refreshToken
	previous := s.userID
	s.userID = userID

	change := Change{Previous: previous, Current: userID}
	if userID != "" {
		change.AccountSwitched = s.lastKnown != "" && s.lastKnown != userID
		s.lastKnown = userID
	}

	var observers []func(Change)
	if previous != userID {
		observers = make([]func(Change), 0, len(s.observers))
		for _, fn := range s.observers {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()

	if previous != userID {
		s.logger.Info().Str("previous", previous).Str("current", userID).Bool("account_switched", change.AccountSwitched).Msg("identity changed")
		for _, fn := range observers {
			fn(change)
		}
	}
	return decodeErr
}
