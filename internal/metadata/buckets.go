package metadata

import (
	"context"
	"time"
)

// Bucket is a namespace created implicitly by the first object write.
type Bucket struct {
	Name      string
	CreatedAt time.Time
}

// Stats summarises the live contents of the store.
type Stats struct {
	Objects int64
	Buckets int64
	Bytes   int64
}

// ListBuckets returns every non-deleted bucket ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	const op = "metadata.ListBuckets"

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, created_at FROM buckets
		WHERE deleted = FALSE
		ORDER BY name`)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	buckets := []Bucket{}
	for rows.Next() {
		var (
			b         Bucket
			createdAt int64
		)
		if err := rows.Scan(&b.Name, &createdAt); err != nil {
			return nil, mapError(op, err)
		}
		b.CreatedAt = fromUnixNano(createdAt)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return buckets, nil
}

// Stats counts live objects, their total size and non-deleted buckets.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	const op = "metadata.Stats"

	var st Stats
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), CAST(COALESCE(SUM(size), 0) AS BIGINT) FROM objects WHERE deleted = FALSE`,
	).Scan(&st.Objects, &st.Bytes); err != nil {
		return Stats{}, mapError(op, err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM buckets WHERE deleted = FALSE`,
	).Scan(&st.Buckets); err != nil {
		return Stats{}, mapError(op, err)
	}
	return st, nil
}
