package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cascade/internal/persist"
)

var _ persist.Storage = (*Store)(nil)
var _ persist.Watcher = (*Store)(nil)

// Entry is one stored key with its write revision.
type Entry struct {
	Key       string
	Value     []byte
	Revision  int64
	UpdatedAt int64 // Unix milliseconds
}

// Get returns the value stored under key, or persist.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM entries WHERE key = ?",
		persist.NormalizeKey(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key and bumps the revision.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rev int64
	if err := tx.QueryRowContext(ctx,
		"UPDATE revisions SET value = value + 1 WHERE id = 1 RETURNING value",
	).Scan(&rev); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}

	if value == nil {
		value = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (key, value, revision, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			updated_at = excluded.updated_at
	`, persist.NormalizeKey(key), value, rev, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", persist.NormalizeKey(key)); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored key in binary order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE key = ?",
		persist.NormalizeKey(key),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("contains %q: %w", key, err)
	}
	return n > 0, nil
}

// Clear deletes every entry. The revision counter is kept.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Async reports false: SQLite calls are short and run inline.
func (s *Store) Async() bool { return false }

// Entries returns entries written after revision since, oldest first.
// Use since=0 for every entry.
func (s *Store) Entries(ctx context.Context, since int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, revision, updated_at FROM entries
		WHERE revision > ?
		ORDER BY revision ASC, key ASC COLLATE BINARY
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Revision, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
