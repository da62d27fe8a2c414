package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER  -- milliseconds since epoch, NULL = no expiry
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries (expires_at);
`

// SQLite is a Store backed by a single SQLite table. Expired entries
// are invisible to Get immediately and physically removed by Sweep.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

type sqliteConfig struct {
	busyTimeout int
	mkdirAll    bool
	now         func() time.Time
}

// SQLiteOption customises OpenSQLite behaviour.
type SQLiteOption func(*sqliteConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) SQLiteOption {
	return func(c *sqliteConfig) { c.busyTimeout = ms }
}

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() SQLiteOption {
	return func(c *sqliteConfig) { c.mkdirAll = true }
}

// WithClock sets a custom clock (for testing expiry).
func WithClock(fn func() time.Time) SQLiteOption {
	return func(c *sqliteConfig) { c.now = fn }
}

// OpenSQLite opens (or creates) the store database at path with
// production-safe pragmas and applies the schema. The caller must
// blank-import an SQLite driver registered as "sqlite":
//
//	import _ "modernc.org/sqlite"
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	cfg := sqliteConfig{busyTimeout: 10_000, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("kv: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("kv: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: schema: %w", err)
	}
	return &SQLite{db: db, now: cfg.now}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	if expiresAt.Valid && s.now().UnixMilli() > expiresAt.Int64 {
		// Expired but not yet swept.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return nil, nil
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Sweep removes entries past their expiry. Returns the number removed.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("kv: sweep: %w", err)
	}
	return res.RowsAffected()
}

// StartSweeper runs Sweep every interval until done is closed.
func (s *SQLite) StartSweeper(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if n, err := s.Sweep(context.Background()); err != nil {
					slog.Warn("kv: sweep failed", "error", err)
				} else if n > 0 {
					slog.Debug("kv: swept expired entries", "count", n)
				}
			}
		}
	}()
}
