package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ledgerbucket/internal/errs"
)

// ObjectInput describes a payload the backend has already accepted.
type ObjectInput struct {
	Bucket      string
	Key         string
	ReceiptID   string
	ContentType string
	Size        int64
	ETag        string
	Metadata    map[string]string
}

// ObjectRecord is one row of the object relation.
type ObjectRecord struct {
	Bucket       string
	Key          string
	ReceiptID    string
	ContentType  string
	Size         int64
	ETag         string
	Metadata     map[string]string
	LastModified time.Time
	Deleted      bool
	DeletedAt    time.Time
}

const objectColumns = `bucket, key, receipt_id, content_type, size, etag, metadata, last_modified, deleted, deleted_at`

// ValidKey reports whether s can be stored as a bucket name or key. SQLite
// accepts any byte string; PostgreSQL requires valid UTF-8 without NUL.
func (s *Store) ValidKey(key string) bool {
	return s.dialect.validKey(key)
}

// UpsertLive records in as the live content of (in.Bucket, in.Key). In a single
// transaction it ensures the bucket exists, supersedes any current live row
// and inserts the new one with a last-modified time strictly after every
// earlier row of the key.
func (s *Store) UpsertLive(ctx context.Context, in ObjectInput) (ObjectRecord, error) {
	const op = "metadata.UpsertLive"

	if !s.ValidKey(in.Bucket) || !s.ValidKey(in.Key) {
		return ObjectRecord{}, errs.New(errs.KindInvalidArgument, op, "bucket and key must be valid UTF-8 without NUL")
	}

	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return ObjectRecord{}, errs.Wrap(errs.KindInvalidArgument, op, "encode metadata", err)
	}

	var rec ObjectRecord
	err = s.retryTransaction(ctx, op, func(tx *sql.Tx) error {
		now := toUnixNano(s.now())

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO buckets (name, created_at, deleted) VALUES (?, ?, FALSE)
			ON CONFLICT (name) DO UPDATE SET deleted = FALSE WHERE buckets.deleted = TRUE`),
			in.Bucket, now,
		); err != nil {
			return err
		}

		var prev sql.NullInt64
		if err := tx.QueryRowContext(ctx, s.q(`
			SELECT MAX(last_modified) FROM objects WHERE bucket = ? AND key = ?`),
			in.Bucket, in.Key,
		).Scan(&prev); err != nil {
			return err
		}

		lastModified := now
		if prev.Valid && lastModified <= prev.Int64 {
			lastModified = prev.Int64 + 1
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE objects SET deleted = TRUE, deleted_at = ?
			WHERE bucket = ? AND key = ? AND deleted = FALSE`),
			lastModified, in.Bucket, in.Key,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO objects (bucket, key, receipt_id, content_type, size, etag, metadata, last_modified, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`),
			in.Bucket, in.Key, in.ReceiptID, in.ContentType, in.Size, in.ETag, meta, lastModified,
		); err != nil {
			return err
		}

		rec = ObjectRecord{
			Bucket:       in.Bucket,
			Key:          in.Key,
			ReceiptID:    in.ReceiptID,
			ContentType:  in.ContentType,
			Size:         in.Size,
			ETag:         in.ETag,
			Metadata:     cloneMetadata(in.Metadata),
			LastModified: fromUnixNano(lastModified),
		}
		return nil
	})
	if err != nil {
		return ObjectRecord{}, mapError(op, err)
	}

	return rec, nil
}

// GetLive returns the live record of (bucket, key).
func (s *Store) GetLive(ctx context.Context, bucket, key string) (ObjectRecord, error) {
	const op = "metadata.GetLive"

	if !s.ValidKey(bucket) || !s.ValidKey(key) {
		return ObjectRecord{}, errs.New(errs.KindNotFound, op, "no live record for "+bucket+"/"+key)
	}

	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+objectColumns+` FROM objects
		WHERE bucket = ? AND key = ? AND deleted = FALSE`),
		bucket, key,
	)

	rec, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ObjectRecord{}, errs.New(errs.KindNotFound, op, "no live record for "+bucket+"/"+key)
	}
	if err != nil {
		return ObjectRecord{}, mapError(op, err)
	}
	return rec, nil
}

// SoftDelete marks the live record of (bucket, key) as deleted. It reports
// whether a live record existed; deleting an absent key is not an error.
func (s *Store) SoftDelete(ctx context.Context, bucket, key string) (bool, error) {
	const op = "metadata.SoftDelete"

	if !s.ValidKey(bucket) || !s.ValidKey(key) {
		return false, nil
	}

	var deleted bool
	err := s.retryTransaction(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE objects SET deleted = TRUE, deleted_at = ?
			WHERE bucket = ? AND key = ? AND deleted = FALSE`),
			toUnixNano(s.now()), bucket, key,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, mapError(op, err)
	}
	return deleted, nil
}

// History returns every record ever written for (bucket, key), newest first.
func (s *Store) History(ctx context.Context, bucket, key string) ([]ObjectRecord, error) {
	const op = "metadata.History"

	if !s.ValidKey(bucket) || !s.ValidKey(key) {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+objectColumns+` FROM objects
		WHERE bucket = ? AND key = ?
		ORDER BY last_modified DESC, id DESC`),
		bucket, key,
	)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		rec, err := scanObject(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// Record states reported by HistoryState.
const (
	StateLive       = "live"
	StateSuperseded = "superseded"
	StateDeleted    = "deleted"
)

// HistoryState classifies records[i] of a History result. An overwrite stamps
// the replaced row's deleted_at with the new row's last-modified time, which
// tells it apart from an explicit delete.
func HistoryState(records []ObjectRecord, i int) string {
	rec := records[i]
	switch {
	case !rec.Deleted:
		return StateLive
	case i > 0 && rec.DeletedAt.Equal(records[i-1].LastModified):
		return StateSuperseded
	default:
		return StateDeleted
	}
}

// ReceiptExists reports whether any record, live or not, references the
// receipt.
func (s *Store) ReceiptExists(ctx context.Context, receiptID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM objects WHERE receipt_id = ?`), receiptID).Scan(&count); err != nil {
		return false, mapError("metadata.ReceiptExists", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (ObjectRecord, error) {
	var (
		rec          ObjectRecord
		meta         string
		lastModified int64
		deletedAt    sql.NullInt64
	)
	if err := row.Scan(
		&rec.Bucket,
		&rec.Key,
		&rec.ReceiptID,
		&rec.ContentType,
		&rec.Size,
		&rec.ETag,
		&meta,
		&lastModified,
		&rec.Deleted,
		&deletedAt,
	); err != nil {
		return ObjectRecord{}, err
	}

	rec.LastModified = fromUnixNano(lastModified)
	if deletedAt.Valid {
		rec.DeletedAt = fromUnixNano(deletedAt.Int64)
	}
	rec.Metadata = decodeMetadata(meta)
	return rec, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeMetadata never fails: a row written by this package always holds a
// JSON object, anything else reads as no metadata.
func decodeMetadata(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]string{}
	}
	return m
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
