package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLite stores documents in the durable_records table created by the store
// package migrations.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite wraps an open database whose schema is already migrated.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// descendantRange returns the half-open byte range [lo, hi) that contains
// every path strictly below prefix. '0' is the byte after '/'.
func descendantRange(prefix string) (string, string) {
	return prefix + "/", prefix + "0"
}

func (s *SQLite) Get(ctx context.Context, path string) ([]byte, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	var v []byte
	err = s.db.QueryRowContext(ctx, "SELECT value FROM durable_records WHERE path = ?", p).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable sqlite: get %s: %w", p, err)
	}
	return v, nil
}

func (s *SQLite) Set(ctx context.Context, path string, value []byte) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO durable_records (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		p, value, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("durable sqlite: set %s: %w", p, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	lo, hi := descendantRange(p)
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM durable_records WHERE path = ? OR (path >= ? AND path < ?)", p, lo, hi)
	if err != nil {
		return fmt.Errorf("durable sqlite: delete %s: %w", p, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := Clean(prefix)
	if err != nil {
		return nil, err
	}
	lo, hi := descendantRange(p)
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM durable_records WHERE path >= ? AND path < ? ORDER BY path", lo, hi)
	if err != nil {
		return nil, fmt.Errorf("durable sqlite: list %s: %w", p, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("durable sqlite: scan: %w", err)
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var (
	_ Store  = (*SQLite)(nil)
	_ Pinger = (*SQLite)(nil)
)
