// Package idempotency remembers the outcome of uploads carrying a
// client-supplied idempotency key, so that a retried request replays the
// first result instead of writing the payload to the backend again.
//
// Records are short lived and are not part of the metadata relations.
package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ledgerbucket/internal/errs"
)

const (
	// DefaultTTL is how long completed and ambiguous records are kept.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long an in-flight claim blocks retries when
	// its owner disappears without completing or aborting it.
	DefaultLease = 5 * time.Minute
)

type State int

const (
	// StateNew means the caller now owns the key and must finish it with
	// Complete, MarkAmbiguous or Abort.
	StateNew State = iota
	// StateInFlight means another request owns the key.
	StateInFlight
	// StateDone means an earlier request completed; Outcome holds its result.
	StateDone
	// StateAmbiguous means an earlier request's backend write has an unknown
	// outcome and must be reconciled before the key can be reused.
	StateAmbiguous
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	case StateAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Outcome is the result of a completed upload.
type Outcome struct {
	ReceiptID    string            `json:"receipt_id"`
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

type Claim struct {
	State State
	// Token identifies the owner of a StateNew claim. Settling the key
	// requires it, so an owner whose lease expired cannot overwrite the
	// claim of the request that took over.
	Token   string
	Outcome Outcome
}

// Tracker records idempotency claims.
type Tracker interface {
	// Begin claims key. A StateNew claim transfers ownership to the caller.
	Begin(ctx context.Context, key string) (Claim, error)
	// Complete stores the outcome of an owned key.
	Complete(ctx context.Context, key, token string, out Outcome) error
	// MarkAmbiguous records that the owned key's backend write has an unknown
	// outcome.
	MarkAmbiguous(ctx context.Context, key, token string) error
	// Abort releases an owned key so that a retry starts afresh.
	Abort(ctx context.Context, key, token string) error
}

func newToken() string {
	return uuid.NewString()
}

func errClaimLost(op, key string) error {
	return errs.New(errs.KindConflict, op, "idempotency claim "+key+" is no longer owned by this request")
}

type options struct {
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

type Option func(*options)

// WithTTL sets how long completed and ambiguous records are kept.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLease sets how long an in-flight claim is honoured.
func WithLease(lease time.Duration) Option {
	return func(o *options) {
		if lease > 0 {
			o.lease = lease
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, lease: DefaultLease, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
