package sapi

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/sqlite"
)

var errKVDisabled = errors.New("kv store not configured")

// kvStore is the persistent key-value surface scripts reach through the
// kv host object. Backed by a single sqlite file under the data
// directory; only the dedicated thread touches it.
type kvStore struct {
	db *sql.DB
}

func openKV(dataDir string) (*kvStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "kv.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening kv database: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}
	return &kvStore{db: db}, nil
}

// get returns the stored value or an empty string for a missing key.
func (s *kvStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return value, nil
}

func (s *kvStore) put(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (s *kvStore) delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *kvStore) close() error {
	return s.db.Close()
}
