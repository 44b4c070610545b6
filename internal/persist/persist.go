// Package persist implements the durable collaborator contract: a
// SQLite-backed key-value store with compare-and-set, and file-backed
// append-only streams for the event log and outcome memory.
package persist

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Store provides SQLite-backed key-value persistence for Marcus state.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists. Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for aggregate queries (outcome memory).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVGet returns the value for key, reporting presence explicitly.
func (s *Store) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist: get %q: %w", key, err)
	}
	return value, true, nil
}

// KVPut stores value under key unconditionally.
func (s *Store) KVPut(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist: put %q: %w", key, err)
	}
	return nil
}

// KVCAS atomically replaces the value under key only when the stored value
// equals old. old == nil means "create only if absent". Returns whether the
// swap happened.
func (s *Store) KVCAS(ctx context.Context, key string, old, new []byte) (bool, error) {
	if old == nil {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
			key, new, time.Now().UTC())
		if err != nil {
			return false, fmt.Errorf("persist: cas insert %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("persist: cas insert %q: %w", key, err)
		}
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, updated_at = ? WHERE key = ? AND value = ?`,
		new, time.Now().UTC(), key, old)
	if err != nil {
		return false, fmt.Errorf("persist: cas %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist: cas %q: %w", key, err)
	}
	return n > 0, nil
}

// KVDelete removes key. Deleting a missing key is a no-op.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("persist: delete %q: %w", key, err)
	}
	return nil
}

// KVList returns all key/value pairs under prefix, sorted by key.
func (s *Store) KVList(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\'`, likePattern(prefix))
	if err != nil {
		return nil, fmt.Errorf("persist: list %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("persist: scan %q: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: list %q: %w", prefix, err)
	}
	return out, nil
}

// SortedKeys returns the keys of a KVList result in deterministic order.
func SortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func likePattern(prefix string) string {
	var b bytes.Buffer
	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('%')
	return b.String()
}

// Key joins key path segments. Segments must not contain '/'.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
