package metadata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// liveIndexName is the partial unique index enforcing one live row per key.
const liveIndexName = "idx_objects_live"

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect interface {
	// driverName is the database/sql driver to open.
	driverName() string
	// migrationsDir is the embedded directory holding this dialect's schema.
	migrationsDir() string
	// rebind rewrites '?' placeholders into the dialect's native form.
	rebind(query string) string
	// keyExpr is the column expression that orders and compares keys
	// byte-wise.
	keyExpr() string
	// isConflict reports whether err is a write-write conflict that a fresh
	// transaction may resolve.
	isConflict(err error) bool
	// validKey reports whether the key column can hold s.
	validKey(s string) bool
	// successor returns the smallest storable string above every string
	// starting with p, or false when there is none.
	successor(p string) (string, bool)
	// floor returns the largest storable string at or below s; exact is
	// false when it differs from s.
	floor(s string) (lower string, exact bool)
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", DriverSQLite, "sqlite":
		return sqliteDialect{}, nil
	case DriverPostgres, "postgres", "postgresql":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported metadata driver %q", driver)
}

type sqliteDialect struct{}

func (sqliteDialect) driverName() string    { return DriverSQLite }
func (sqliteDialect) migrationsDir() string { return "migrations/sqlite" }
func (sqliteDialect) rebind(q string) string {
	return q
}

// BINARY is SQLite's default collation and compares with memcmp.
func (sqliteDialect) keyExpr() string { return "key" }

// SQLite compares TEXT with memcmp and stores any byte sequence.
func (sqliteDialect) validKey(string) bool { return true }
func (sqliteDialect) successor(p string) (string, bool) { return successor(p) }
func (sqliteDialect) floor(s string) (string, bool) { return s, true }

func (sqliteDialect) isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	case sqlite3.ErrConstraint:
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(sqliteErr.Error(), "objects.bucket, objects.key")
	}
	return false
}

type postgresDialect struct{}

func (postgresDialect) driverName() string    { return DriverPostgres }
func (postgresDialect) migrationsDir() string { return "migrations/postgres" }

func (postgresDialect) rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// The database collation may be locale aware; "C" restores byte order.
func (postgresDialect) keyExpr() string { return `key COLLATE "C"` }

// PostgreSQL TEXT rejects invalid UTF-8 (SQLSTATE 22021) and NUL, so keys
// and bounds are kept to valid text.
func (postgresDialect) validKey(s string) bool { return validText(s) }
func (postgresDialect) successor(p string) (string, bool) { return textSuccessor(p) }
func (postgresDialect) floor(s string) (string, bool) { return textFloor(s) }

// PostgreSQL SQLSTATE codes that warrant a transaction retry.
const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

func (postgresDialect) isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgErrSerializationFailure, pgErrDeadlockDetected:
		return true
	case pgErrUniqueViolation:
		return pgErr.ConstraintName == liveIndexName
	}
	return false
}
