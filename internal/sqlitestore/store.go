// Package sqlitestore implements the fast indexed dualstore backend on an
// embedded SQLite database (pure-Go driver, no cgo).
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL
);
`

const keyPrefixIndex = `
CREATE INDEX IF NOT EXISTS idx_records_key_prefix ON records(key);
`

// Store is a dualstore.Backend over a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
// The parent directory is created with owner-only permissions.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if _, err := db.Exec(keyPrefixIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Name implements dualstore.Backend.
func (s *Store) Name() string { return "sqlite" }

// Put implements dualstore.Backend.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting record %q: %w", key, err)
	}
	return nil
}

// Get implements dualstore.Backend.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dualstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %q: %w", key, err)
	}
	return value, nil
}

// List implements dualstore.Backend.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM records WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return keys, nil
}

// Delete implements dualstore.Backend. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting record %q: %w", key, err)
	}
	return nil
}

// Close implements dualstore.Backend.
func (s *Store) Close() error {
	return s.db.Close()
}
