package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerbucket/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "metadata.sqlite"),
	})
	require.NoError(t, err, "failed to open metadata store")
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func put(t *testing.T, s *Store, bucket, key, receipt string) ObjectRecord {
	t.Helper()

	rec, err := s.UpsertLive(context.Background(), ObjectInput{
		Bucket:      bucket,
		Key:         key,
		ReceiptID:   receipt,
		ContentType: "text/plain",
		Size:        int64(len(receipt)),
		ETag:        `"` + receipt + `"`,
	})
	require.NoError(t, err, "failed to upsert %s/%s", bucket, key)
	return rec
}

func TestUpsertThenGetLive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	written, err := s.UpsertLive(ctx, ObjectInput{
		Bucket:      "photos",
		Key:         "2024/cat.jpg",
		ReceiptID:   "r-1",
		ContentType: "image/jpeg",
		Size:        3,
		ETag:        `"abc"`,
		Metadata:    map[string]string{"camera": "x100"},
	})
	require.NoError(t, err)

	got, err := s.GetLive(ctx, "photos", "2024/cat.jpg")
	require.NoError(t, err)
	require.Equal(t, "r-1", got.ReceiptID)
	require.Equal(t, "image/jpeg", got.ContentType)
	require.Equal(t, int64(3), got.Size)
	require.Equal(t, `"abc"`, got.ETag)
	require.Equal(t, map[string]string{"camera": "x100"}, got.Metadata)
	require.False(t, got.Deleted)
	require.True(t, written.LastModified.Equal(got.LastModified), "returned record should match stored one")
}

func TestGetLiveMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLive(context.Background(), "nope", "nothing")
	require.Error(t, err)
	require.True(t, errs.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestOverwriteKeepsOneLiveRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := put(t, s, "b", "k", "r-1")
	second := put(t, s, "b", "k", "r-2")

	require.True(t, second.LastModified.After(first.LastModified), "overwrite must advance last_modified")

	live, err := s.GetLive(ctx, "b", "k")
	require.NoError(t, err)
	require.Equal(t, "r-2", live.ReceiptID)
	require.Equal(t, `"r-2"`, live.ETag)

	history, err := s.History(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "r-2", history[0].ReceiptID, "history is newest first")
	require.False(t, history[0].Deleted)
	require.True(t, history[1].Deleted, "superseded row is no longer live")
}

func TestHistoryState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	put(t, s, "b", "k", "r-1")
	put(t, s, "b", "k", "r-2")
	_, err := s.SoftDelete(ctx, "b", "k")
	require.NoError(t, err)
	put(t, s, "b", "k", "r-3")

	history, err := s.History(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, history, 3)

	var states []string
	for i := range history {
		states = append(states, HistoryState(history, i))
	}
	require.Equal(t, []string{StateLive, StateDeleted, StateSuperseded}, states)
}

func TestLastModifiedStrictlyIncreasesWithFrozenClock(t *testing.T) {
	s := newTestStore(t)

	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	var prev time.Time
	for i := 0; i < 5; i++ {
		rec := put(t, s, "b", "k", fmt.Sprintf("r-%d", i))
		if i > 0 {
			require.True(t, rec.LastModified.After(prev), "write %d did not advance last_modified", i)
		}
		prev = rec.LastModified
	}
}

func TestLastModifiedAdvancesAcrossDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	first := put(t, s, "b", "k", "r-1")
	_, err := s.SoftDelete(ctx, "b", "k")
	require.NoError(t, err)
	second := put(t, s, "b", "k", "r-2")

	require.True(t, second.LastModified.After(first.LastModified))
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	put(t, s, "b", "k", "r-1")

	deleted, err := s.SoftDelete(ctx, "b", "k")
	require.NoError(t, err)
	require.True(t, deleted, "first delete should report a live record")

	deleted, err = s.SoftDelete(ctx, "b", "k")
	require.NoError(t, err)
	require.False(t, deleted, "second delete should report nothing to delete")

	_, err = s.GetLive(ctx, "b", "k")
	require.True(t, errs.IsNotFound(err))

	deleted, err = s.SoftDelete(ctx, "missing", "k")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteOmitsFromListing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	put(t, s, "b", "a", "r-1")
	put(t, s, "b", "b", "r-2")
	_, err := s.SoftDelete(ctx, "b", "a")
	require.NoError(t, err)

	page, err := s.List(ctx, ListInput{Bucket: "b", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keysOf(page))
}

func TestConcurrentWritersLeaveOneLiveRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 16

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertLive(ctx, ObjectInput{
				Bucket:      "b",
				Key:         "contended",
				ReceiptID:   fmt.Sprintf("r-%02d", i),
				ContentType: "application/octet-stream",
				ETag:        fmt.Sprintf(`"%02d"`, i),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	history, err := s.History(ctx, "b", "contended")
	require.NoError(t, err)
	require.Len(t, history, writers, "no write may be lost")

	live := 0
	for _, rec := range history {
		if !rec.Deleted {
			live++
		}
	}
	require.Equal(t, 1, live, "exactly one live row")

	got, err := s.GetLive(ctx, "b", "contended")
	require.NoError(t, err)
	require.Equal(t, history[0].ReceiptID, got.ReceiptID, "live row is the last commit")
}

func TestBucketsAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	buckets, err := s.ListBuckets(ctx)
	require.NoError(t, err)
	require.Empty(t, buckets)

	put(t, s, "zeta", "k", "r-1")
	put(t, s, "alpha", "k1", "r-22")
	put(t, s, "alpha", "k2", "r-333")
	put(t, s, "alpha", "k2", "r-4444")

	buckets, err = s.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "alpha", buckets[0].Name)
	require.Equal(t, "zeta", buckets[1].Name)
	require.False(t, buckets[0].CreatedAt.IsZero())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Objects: 3, Buckets: 2, Bytes: 3 + 4 + 6}, stats)
}

func TestReceiptExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	put(t, s, "b", "k", "r-1")
	put(t, s, "b", "k", "r-2")

	for _, id := range []string{"r-1", "r-2"} {
		ok, err := s.ReceiptExists(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "receipt %s should be referenced", id)
	}

	ok, err := s.ReceiptExists(ctx, "r-unknown")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDuplicateReceiptIsRejected(t *testing.T) {
	s := newTestStore(t)

	put(t, s, "b", "k1", "r-1")
	_, err := s.UpsertLive(context.Background(), ObjectInput{Bucket: "b", Key: "k2", ReceiptID: "r-1"})
	require.Error(t, err)
	require.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.GetLive(context.Background(), "b", "k")
	require.Error(t, err)
	require.True(t, errs.IsRetryable(err), "store failures are retryable, got %v", err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/meta.sqlite")
	require.Contains(t, dsn, "file:/tmp/meta.sqlite?")
	require.Contains(t, dsn, "_txlock=immediate")
	require.Contains(t, dsn, "_journal_mode=WAL")

	custom := sqliteDSN("file:/tmp/meta.sqlite?_busy_timeout=100")
	require.Contains(t, custom, "_busy_timeout=100")
	require.NotContains(t, custom, "_busy_timeout=5000")
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind(`SELECT 1 FROM objects WHERE bucket = ? AND key > ? LIMIT ?`)
	require.Equal(t, `SELECT 1 FROM objects WHERE bucket = $1 AND key > $2 LIMIT $3`, got)
	require.Equal(t, "x = ?", sqliteDialect{}.rebind("x = ?"))
}
