// Package metadata is the mapping store: it records which immutable backend
// receipt is the live content of every (bucket, key), keeps superseded and
// soft-deleted rows as history, and answers listing queries.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	// DefaultMaxRetries bounds how often a conflicting write transaction is
	// replayed before the conflict is surfaced.
	DefaultMaxRetries = 5

	sqliteBusyTimeoutMillis = 5000
)

type Config struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string
	// DSN is a file path or "file:" URI for SQLite, a connection string for
	// PostgreSQL.
	DSN          string
	MaxOpenConns int
	MaxRetries   int
}

// Store is the metadata mapping store.
type Store struct {
	db         *sql.DB
	dialect    dialect
	maxRetries int
	now        func() time.Time
}

// Open connects to the configured database and applies the embedded schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("metadata DSN must not be empty")
	}

	dsn := cfg.DSN
	if d.driverName() == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.driverName(), err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, mapError("metadata.Open", err)
	}

	if err := initSchema(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	return &Store{db: db, dialect: d, maxRetries: retries, now: time.Now}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapError("metadata.Ping", err)
	}
	return nil
}

// sqliteDSN turns a plain path into a URI carrying the connection options the
// write path depends on. Options already present in the DSN win.
func sqliteDSN(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		values = url.Values{}
	}
	defaults := map[string]string{
		"_txlock":       "immediate",
		"_busy_timeout": fmt.Sprint(sqliteBusyTimeoutMillis),
		"_journal_mode": "WAL",
		"_foreign_keys": "on",
	}
	for k, v := range defaults {
		if values.Get(k) == "" {
			values.Set(k, v)
		}
	}
	return base + "?" + values.Encode()
}

// initSchema applies every SQL file of the dialect's migration directory in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB, d dialect) error {
	return fs.WalkDir(migrationsFS, d.migrationsDir(), func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || path.Ext(p) != ".sql" {
			return nil
		}

		content, err := migrationsFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("error reading SQL file: %w", err)
		}

		slog.Debug("Running migration", "path", p)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", p, err)
		}
		return nil
	})
}

// withTransaction runs fn within a database transaction.
func (s *Store) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// retryTransaction replays fn in a fresh transaction while it fails with a
// write conflict, up to maxRetries extra attempts.
func (s *Store) retryTransaction(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.withTransaction(ctx, fn)
		if err == nil || !s.dialect.isConflict(err) {
			return err
		}
		slog.Debug("Retrying conflicting transaction", "op", op, "attempt", attempt+1, "err", err)

		backoff := time.Duration(attempt+1) * 5 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
