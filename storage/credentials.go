package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatsync/crypto"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const credentialSlot = 1

var (
	tokenAD   = []byte("credentials.token")
	refreshAD = []byte("credentials.refresh_token")
)

// CredentialStore persists the bearer credential pair sealed with a vault key.
type CredentialStore struct {
	store *Store
	key   []byte
}

// Credentials returns a credential store sealing values with key.
func (s *Store) Credentials(key []byte) (*CredentialStore, error) {
	if len(key) != crypto.VaultKeySize {
		return nil, fmt.Errorf("invalid credential key length: got %d want %d", len(key), crypto.VaultKeySize)
	}
	return &CredentialStore{store: s, key: key}, nil
}

// SaveCredential replaces the persisted credential pair.
func (c *CredentialStore) SaveCredential(token, refreshToken string) error {
	sealedToken, err := crypto.Seal(c.key, []byte(token), tokenAD)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	sealedRefresh, err := crypto.Seal(c.key, []byte(refreshToken), refreshAD)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	_, err = c.store.db.Exec(`
INSERT INTO credentials (slot, token, refresh_token, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
  token = excluded.token,
  refresh_token = excluded.refresh_token,
  updated_at = excluded.updated_at
`, credentialSlot, sealedToken, sealedRefresh, nowUnixMilli())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the persisted credential pair or ErrNotFound.
func (c *CredentialStore) LoadCredential() (string, string, error) {
	var sealedToken, sealedRefresh []byte
	err := c.store.db.QueryRow(
		`SELECT token, refresh_token FROM credentials WHERE slot = ?`,
		credentialSlot,
	).Scan(&sealedToken, &sealedRefresh)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load credential: %w", err)
	}

	token, err := crypto.Open(c.key, sealedToken, tokenAD)
	if err != nil {
		return "", "", fmt.Errorf("open token: %w", err)
	}
	refresh, err := crypto.Open(c.key, sealedRefresh, refreshAD)
	if err != nil {
		return "", "", fmt.Errorf("open refresh token: %w", err)
	}
	return string(token), string(refresh), nil
}

// ClearCredential removes the persisted credential pair. Clearing an empty
// store is not an error.
func (c *CredentialStore) ClearCredential() error {
	if _, err := c.store.db.Exec(`DELETE FROM credentials WHERE slot = ?`, credentialSlot); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
