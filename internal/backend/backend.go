// Package backend defines the append-only, content-addressed storage the
// gateway writes payloads to. A backend never overwrites, deletes or lists:
// every Store call yields a fresh receipt, and a receipt always resolves to
// the same bytes.
package backend

import (
	"context"
	"io"
	"time"
)

// Payload is one upload.
type Payload struct {
	Data        []byte
	ContentType string
	Tags        []Tag
}

// Receipt identifies a stored payload.
type Receipt struct {
	ID       string
	Size     int64
	StoredAt time.Time
}

// Backend is the immutable storage collaborator.
type Backend interface {
	// Store persists the payload and returns its receipt. Identical payloads
	// stored twice yield two distinct receipts.
	Store(ctx context.Context, p Payload) (Receipt, error)

	// Fetch opens the payload behind a receipt. The caller must close it.
	Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error)

	// Location returns the URI under which the backend serves the receipt.
	Location(receiptID string) string
}

// Walker is implemented by backends that can enumerate their receipts. It is
// only used by offline reconciliation, never by the request path.
type Walker interface {
	WalkReceipts(ctx context.Context, fn func(id string) error) error
}
