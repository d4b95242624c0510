package metadata

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"ledgerbucket/internal/errs"
)

// mapError converts a driver error into a StoreUnavailable *errs.Error. Typed
// errors pass through untouched.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return errs.Wrap(errs.KindStoreUnavailable, op, "sqlite: "+sqliteErr.Code.Error(), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(errs.KindStoreUnavailable, op, "postgres: SQLSTATE "+pgErr.Code, err)
	}

	return errs.Wrap(errs.KindStoreUnavailable, op, "metadata store failure", err)
}
