// Package contacts resolves a contact email to the room shared with them.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chatsync/api"
	"chatsync/models"
)

var (
	// ErrEmptyEmail rejects a blank lookup before any network call.
	ErrEmptyEmail = errors.New("contacts: email is empty")
	// ErrSignedOut rejects lookups without a current identity.
	ErrSignedOut = errors.New("contacts: not signed in")
	// ErrNotFound means no registered user matched the email.
	ErrNotFound = errors.New("contacts: contact not found")
	// ErrUnreachable means the backend could not be reached.
	ErrUnreachable = errors.New("contacts: cannot reach server")
)

// Finder performs the backend lookup.
type Finder interface {
	FindContact(ctx context.Context, email string) (models.Room, error)
}

// RoomSink receives resolved rooms.
type RoomSink interface {
	UpsertRoom(room models.Room) error
}

// Options wires a Resolver.
type Options struct {
	Finder      Finder
	Rooms       RoomSink
	CurrentUser func() string
	Logger      zerolog.Logger
}

// Resolver looks up contacts on the backend and records their rooms.
type Resolver struct {
	opts Options
}

// LookupError carries the backend's user-facing message.
type LookupError struct {
	Kind    error
	Message string
}

func (e *LookupError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *LookupError) Unwrap() error {
	return e.Kind
}

// NewResolver returns a Resolver.
func NewResolver(options Options) *Resolver {
	if options.CurrentUser == nil {
		options.CurrentUser = func() string { return "" }
	}
	return &Resolver{opts: options}
}

// FindByEmail returns the room shared with the user registered under email.
// It never creates rooms; a miss leaves the directory untouched.
func (r *Resolver) FindByEmail(ctx context.Context, email string) (models.Room, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.Room{}, ErrEmptyEmail
	}
	if r.opts.CurrentUser() == "" {
		return models.Room{}, ErrSignedOut
	}
	if r.opts.Finder == nil {
		return models.Room{}, errors.New("contacts: no finder configured")
	}

	room, err := r.opts.Finder.FindContact(ctx, email)
	if err != nil {
		switch {
		case errors.Is(err, api.ErrNotFound):
			return models.Room{}, &LookupError{Kind: ErrNotFound, Message: api.BackendMessage(err)}
		case errors.Is(err, api.ErrUnreachable):
			return models.Room{}, &LookupError{Kind: ErrUnreachable}
		case errors.Is(err, api.ErrSignedOut):
			return models.Room{}, ErrSignedOut
		}
		return models.Room{}, fmt.Errorf("find contact: %w", err)
	}

	if r.opts.Rooms != nil {
		if err := r.opts.Rooms.UpsertRoom(room); err != nil {
			return models.Room{}, fmt.Errorf("record room: %w", err)
		}
	}
	r.opts.Logger.Debug().Str("room", room.ID).Msg("contact resolved")
	return room, nil
}

// Message returns the user-facing text for a lookup error.
func Message(err error) string {
	var lookup *LookupError
	if errors.As(err, &lookup) && lookup.Message != "" {
		return lookup.Message
	}
	switch {
	case errors.Is(err, ErrEmptyEmail):
		return "email is required"
	case errors.Is(err, ErrSignedOut):
		return "not signed in"
	case errors.Is(err, ErrNotFound):
		return "contact not found"
	case errors.Is(err, ErrUnreachable):
		return "cannot reach server"
	case err != nil:
		return err.Error()
	}
	return ""
}
