package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// StateDiscoveredBackend caches the last backend URL found over mDNS.
const StateDiscoveredBackend = "discovered_backend_url"

// SetState upserts a client state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
INSERT INTO client_state (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at
`, key, value, nowUnixMilli())
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// State returns a client state value or ErrNotFound.
func (s *Store) State(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// DeleteState removes a client state value.
func (s *Store) DeleteState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM client_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}
