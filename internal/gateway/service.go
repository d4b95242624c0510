// Package gateway exposes the bucket/key object namespace on top of an
// append-only backend and the metadata mapping store.
//
// Writes go to the backend first and are then committed to the store; reads
// consult the store only, except OpenObject which also streams the payload.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"ledgerbucket/internal/audit"
	"ledgerbucket/internal/backend"
	"ledgerbucket/internal/errs"
	"ledgerbucket/internal/idempotency"
	"ledgerbucket/internal/metadata"
	"ledgerbucket/internal/metrics"
)

const (
	DefaultMaxObjectSize = 5 << 30
	DefaultUploadTimeout = 60 * time.Second
	DefaultFetchTimeout  = 30 * time.Second
	DefaultContentType   = "application/octet-stream"

	// DefaultCommitTimeout bounds the metadata commit that follows an
	// accepted backend write. The commit is detached from the request context.
	DefaultCommitTimeout = 30 * time.Second
)

// MappingStore is the subset of the metadata store the gateway depends on.
type MappingStore interface {
	UpsertLive(ctx context.Context, in metadata.ObjectInput) (metadata.ObjectRecord, error)
	GetLive(ctx context.Context, bucket, key string) (metadata.ObjectRecord, error)
	SoftDelete(ctx context.Context, bucket, key string) (bool, error)
	List(ctx context.Context, in metadata.ListInput) (metadata.ListPage, error)
	ListBuckets(ctx context.Context) ([]metadata.Bucket, error)
	Stats(ctx context.Context) (metadata.Stats, error)
	History(ctx context.Context, bucket, key string) ([]metadata.ObjectRecord, error)
	ValidKey(key string) bool
}

var _ MappingStore = (*metadata.Store)(nil)

type Config struct {
	// MaxObjectSize is the largest accepted payload in bytes.
	MaxObjectSize int64
	// AllowEmpty permits zero-byte payloads.
	AllowEmpty    bool
	UploadTimeout time.Duration
	FetchTimeout  time.Duration
	CommitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxObjectSize <= 0 {
		c.MaxObjectSize = DefaultMaxObjectSize
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	return c
}

type Option func(*Service)

// WithTracker enables idempotency keys.
func WithTracker(t idempotency.Tracker) Option {
	return func(s *Service) {
		s.tracker = t
	}
}

// WithReporter replaces the default log-only orphan reporter.
func WithReporter(r audit.Reporter) Option {
	return func(s *Service) {
		s.reporter = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service implements the object operations.
type Service struct {
	cfg      Config
	store    MappingStore
	backend  backend.Backend
	tracker  idempotency.Tracker
	reporter audit.Reporter
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store MappingStore, b backend.Backend, cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		backend:  b,
		reporter: audit.LogReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// GetObjectMeta returns the live record of (bucket, key).
func (s *Service) GetObjectMeta(ctx context.Context, bucket, key string) (metadata.ObjectRecord, error) {
	res, err := s.Resolve(ctx, bucket, key)
	if err != nil {
		return metadata.ObjectRecord{}, err
	}
	return res.Record, nil
}

// DeleteObject soft-deletes (bucket, key) and reports whether a live record
// existed. The backend payload is left untouched.
func (s *Service) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	const op = "gateway.DeleteObject"

	if err := validateBucket(op, bucket); err != nil {
		return false, err
	}
	if err := validateKey(op, key); err != nil {
		return false, err
	}

	deleted, err := s.store.SoftDelete(ctx, bucket, key)
	if err != nil {
		return false, err
	}

	slog.Debug("Deleted object", "bucket", bucket, "key", key, "existed", deleted)
	return deleted, nil
}

// ListObjects returns one page of live keys.
func (s *Service) ListObjects(ctx context.Context, in metadata.ListInput) (metadata.ListPage, error) {
	if err := validateBucket("gateway.ListObjects", in.Bucket); err != nil {
		return metadata.ListPage{}, err
	}

	page, err := s.store.List(ctx, in)
	if err != nil {
		return metadata.ListPage{}, err
	}

	s.metrics.RecordList(len(page.Objects) + len(page.CommonPrefixes))
	return page, nil
}

func (s *Service) ListBuckets(ctx context.Context) ([]metadata.Bucket, error) {
	return s.store.ListBuckets(ctx)
}

// Stats returns store counters and refreshes the storage gauges.
func (s *Service) Stats(ctx context.Context) (metadata.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return metadata.Stats{}, err
	}
	s.metrics.UpdateStorage(st.Objects, st.Buckets, st.Bytes)
	return st, nil
}

// History returns every record written for (bucket, key), newest first.
func (s *Service) History(ctx context.Context, bucket, key string) ([]metadata.ObjectRecord, error) {
	if err := validateBucket("gateway.History", bucket); err != nil {
		return nil, err
	}
	return s.store.History(ctx, bucket, key)
}

// Location returns where the backend serves a receipt.
func (s *Service) Location(receiptID string) string {
	return s.backend.Location(receiptID)
}

// RefreshStats updates the storage gauges every interval until ctx ends.
func (s *Service) RefreshStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Stats(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to refresh storage stats", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func validateBucket(op, bucket string) error {
	if bucket == "" {
		return errs.New(errs.KindInvalidArgument, op, "bucket name is required").WithCode("InvalidBucketName")
	}
	return nil
}

func validateKey(op, key string) error {
	if key == "" {
		return errs.New(errs.KindInvalidArgument, op, "object key is required").WithCode("MissingParameter")
	}
	return nil
}
