package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"ledgerbucket/internal/audit"
	"ledgerbucket/internal/backend"
	"ledgerbucket/internal/backend/local"
	"ledgerbucket/internal/backend/minio"
	"ledgerbucket/internal/config"
	"ledgerbucket/internal/idempotency"
	"ledgerbucket/internal/metadata"
)

// components holds the long-lived collaborators built from the config.
type components struct {
	store    *metadata.Store
	backend  *backend.Provider
	tracker  idempotency.Tracker
	reporter audit.Reporter
	closers  []func() error
}

func (c *components) Close() error {
	var errList []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// openStore opens the metadata store, creating the data directory for the
// default SQLite file.
func openStore(ctx context.Context, cfg *config.Config) (*metadata.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := metadata.Open(ctx, metadata.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.StoreDSN(),
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return store, nil
}

// newBackendProvider returns a provider that builds the configured backend
// on first use.
func newBackendProvider(cfg *config.Config) *backend.Provider {
	return backend.NewProvider(func(ctx context.Context) (backend.Backend, error) {
		switch cfg.Backend.Kind {
		case config.BackendMinio:
			m := cfg.Backend.Minio
			return minio.New(ctx, minio.Config{
				Endpoint:   m.Endpoint,
				AccessKey:  m.AccessKey,
				SecretKey:  m.SecretKey,
				Bucket:     m.Bucket,
				Region:     m.Region,
				UseSSL:     m.UseSSL,
				GatewayURL: m.GatewayURL,
			})
		default:
			var opts []local.Option
			if cfg.Backend.Local.Capacity > 0 {
				opts = append(opts, local.WithCapacity(cfg.Backend.Local.Capacity))
			}
			if cfg.Backend.Local.BaseURL != "" {
				opts = append(opts, local.WithBaseURL(cfg.Backend.Local.BaseURL))
			}
			return local.New(cfg.LocalRoot(), opts...)
		}
	})
}

func newTracker(ctx context.Context, cfg *config.Config) (idempotency.Tracker, func() error, error) {
	opts := []idempotency.Option{
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(cfg.Idempotency.Lease),
	}

	switch cfg.Idempotency.Kind {
	case config.IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		tracker := idempotency.NewRedisTracker(client, opts...)
		if err := tracker.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return tracker, client.Close, nil
	case config.IdempotencyMemory:
		return idempotency.NewMemoryTracker(opts...), nil, nil
	default:
		return nil, nil, nil
	}
}

func newReporter(cfg *config.Config) (audit.Reporter, func() error, error) {
	logReporter := audit.LogReporter{Logger: slog.Default()}
	if cfg.Audit.AMQPURL == "" {
		return logReporter, nil, nil
	}

	amqpReporter, err := audit.NewAMQPReporter(cfg.Audit.AMQPURL, cfg.Audit.Exchange)
	if err != nil {
		return nil, nil, err
	}
	return audit.Multi{logReporter, amqpReporter}, amqpReporter.Close, nil
}

// openComponents builds everything the server needs.
func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{backend: newBackendProvider(cfg)}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	tracker, closeTracker, err := newTracker(ctx, cfg)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set up idempotency tracker: %w", err)
	}
	c.tracker = tracker
	if closeTracker != nil {
		c.closers = append(c.closers, closeTracker)
	}

	reporter, closeReporter, err := newReporter(cfg)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set up audit reporter: %w", err)
	}
	c.reporter = reporter
	if closeReporter != nil {
		c.closers = append(c.closers, closeReporter)
	}

	return c, nil
}
