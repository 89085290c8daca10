// Package storage persists the client's credential slot and small key/value
// state in a single SQLite file under the data directory.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite file created under the data directory.
	DefaultDBFileName = "client.db"
	// DefaultCheckpointInterval is how often the write-ahead log is folded
	// back into the database file while the store is open.
	DefaultCheckpointInterval = 24 * time.Hour
)

// schemaStep is one forward-only schema change. Its position in schema is
// the user_version it leaves behind.
type schemaStep struct {
	name string
	ddl  string
}

var schema = []schemaStep{
	{
		// One row at most: the signed-in account's sealed token pair.
		name: "credential slot",
		ddl: `
CREATE TABLE IF NOT EXISTS credentials (
  slot          INTEGER PRIMARY KEY CHECK(slot = 1),
  token         BLOB NOT NULL,
  refresh_token BLOB NOT NULL,
  updated_at    INTEGER NOT NULL
);`,
	},
	{
		// Plain values that survive restarts, such as the last discovered backend.
		name: "client state",
		ddl: `
CREATE TABLE IF NOT EXISTS client_state (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);`,
	},
}

// Store owns the client database.
type Store struct {
	db *sql.DB

	checkpoints *checkpointer
	closeOnce   sync.Once
}

// Open creates dataDir when needed and opens client.db inside it.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath and brings its schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open client database: %w", err)
	}

	for _, step := range []func(*sql.DB) error{pingDB, useWAL, migrate, checkpoint} {
		if err := step(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store := &Store{db: db, checkpoints: startCheckpointer(db, DefaultCheckpointInterval)}
	return store, nil
}

// Close stops background checkpoints and closes the database. Later calls
// are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.checkpoints.stop()
		err = s.db.Close()
		s.db = nil
	})
	return err
}

func pingDB(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping client database: %w", err)
	}
	return nil
}

func useWAL(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("switch to WAL journal: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("switch to WAL journal: database stayed in %q mode", mode)
	}
	return nil
}

// migrate applies every schema step past the stored user_version in one
// transaction.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(schema) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema upgrade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(schema); i++ {
		if _, err := tx.Exec(schema[i].ddl); err != nil {
			return fmt.Errorf("schema step %d (%s): %w", i+1, schema[i].name, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(schema))); err != nil {
		return fmt.Errorf("record schema version %d: %w", len(schema), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema upgrade: %w", err)
	}
	return nil
}

func checkpoint(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("checkpoint write-ahead log: %w", err)
	}
	return nil
}

// checkpointer truncates the write-ahead log on a fixed interval.
type checkpointer struct {
	done chan struct{}
	wg   sync.WaitGroup
}

func startCheckpointer(db *sql.DB, interval time.Duration) *checkpointer {
	c := &checkpointer{done: make(chan struct{})}
	if interval <= 0 {
		return c
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = checkpoint(db)
			case <-c.done:
				return
			}
		}
	}()
	return c
}

func (c *checkpointer) stop() {
	close(c.done)
	c.wg.Wait()
}
