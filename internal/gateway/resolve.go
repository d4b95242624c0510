package gateway

import (
	"context"
	"io"
	"time"

	"ledgerbucket/internal/backend"
	"ledgerbucket/internal/errs"
	"ledgerbucket/internal/metadata"
)

// Resolution is the live record of a key and where the backend serves it.
type Resolution struct {
	Record   metadata.ObjectRecord
	Location string
}

// Resolve looks up the live record of (bucket, key). A key that never existed
// and a deleted key both yield a NotFound error.
func (s *Service) Resolve(ctx context.Context, bucket, key string) (Resolution, error) {
	if err := validateBucket("gateway.Resolve", bucket); err != nil {
		return Resolution{}, err
	}

	rec, err := s.store.GetLive(ctx, bucket, key)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{Record: rec, Location: s.backend.Location(rec.ReceiptID)}, nil
}

// OpenObject resolves (bucket, key) and opens its payload. The fetch timeout
// covers the whole read, so callers must close the reader promptly.
func (s *Service) OpenObject(ctx context.Context, bucket, key string) (Resolution, io.ReadCloser, error) {
	const op = "gateway.OpenObject"

	res, err := s.Resolve(ctx, bucket, key)
	if err != nil {
		return Resolution{}, nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)

	start := time.Now()
	rc, err := s.backend.Fetch(fetchCtx, res.Record.ReceiptID)
	if err != nil {
		cancel()
		s.metrics.RecordBackend("fetch", "error", time.Since(start).Seconds())

		err = backend.ClassifyFetch(op, err)
		if errs.IsNotFound(err) {
			// The store references the receipt, so the backend should have it.
			return Resolution{}, nil, errs.Wrap(errs.KindBackendUnavailable, op,
				"backend has no payload for receipt "+res.Record.ReceiptID, err)
		}
		return Resolution{}, nil, err
	}
	s.metrics.RecordBackend("fetch", "ok", time.Since(start).Seconds())

	return res, &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

// cancelOnClose releases the fetch context when the payload is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
