package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"ledgerbucket/internal/errs"
)

// Factory builds a Backend.
type Factory func(ctx context.Context) (Backend, error)

// Provider lazily builds one process-wide Backend. Concurrent first callers
// share a single construction; a failed construction is retried by the next
// caller; a successful one is reused forever.
//
// Provider itself implements Backend by delegating to the built instance.
type Provider struct {
	factory Factory
	group   singleflight.Group

	mu      sync.RWMutex
	backend Backend
}

// NewProvider returns a Provider that builds its Backend with factory.
func NewProvider(factory Factory) *Provider {
	return &Provider{factory: factory}
}

// Get returns the shared Backend, building it on first use.
func (p *Provider) Get(ctx context.Context) (Backend, error) {
	if b := p.current(); b != nil {
		return b, nil
	}

	v, err, _ := p.group.Do("backend", func() (any, error) {
		if b := p.current(); b != nil {
			return b, nil
		}

		b, err := p.factory(ctx)
		if err != nil {
			slog.Warn("Backend initialization failed", "err", err)
			return nil, errs.Wrap(errs.KindBackendUnavailable, "backend.Provider", "backend initialization failed", err)
		}

		p.mu.Lock()
		p.backend = b
		p.mu.Unlock()

		slog.Info("Backend initialized")
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

func (p *Provider) current() Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

func (p *Provider) Store(ctx context.Context, payload Payload) (Receipt, error) {
	b, err := p.Get(ctx)
	if err != nil {
		return Receipt{}, err
	}
	return b.Store(ctx, payload)
}

func (p *Provider) Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error) {
	b, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return b.Fetch(ctx, receiptID)
}

// Location returns "" until the backend has been built.
func (p *Provider) Location(receiptID string) string {
	if b := p.current(); b != nil {
		return b.Location(receiptID)
	}
	return ""
}

// WalkReceipts enumerates receipts when the built backend supports it.
func (p *Provider) WalkReceipts(ctx context.Context, fn func(id string) error) error {
	b, err := p.Get(ctx)
	if err != nil {
		return err
	}
	w, ok := b.(Walker)
	if !ok {
		return errors.New("backend cannot enumerate receipts")
	}
	return w.WalkReceipts(ctx, fn)
}
