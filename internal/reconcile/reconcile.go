// Package reconcile finds backend receipts that no metadata row references.
//
// Such orphans come from uploads whose metadata commit failed after the
// backend accepted the payload. The backend is append-only, so they are
// reported for an operator to account for, never removed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ledgerbucket/internal/backend"
)

const (
	// DefaultConcurrency bounds parallel store lookups.
	DefaultConcurrency = 8
	// DefaultMinAge is how old a receipt must be before it can be reported.
	// Younger receipts may belong to uploads whose commit is still running.
	DefaultMinAge = 10 * time.Minute
)

type options struct {
	minAge time.Duration
	now    func() time.Time
}

type Option func(*options)

// WithMinAge skips receipts minted less than d ago. Zero checks every
// receipt.
func WithMinAge(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.minAge = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// ReceiptIndex answers whether a receipt is referenced by any object row.
type ReceiptIndex interface {
	ReceiptExists(ctx context.Context, receiptID string) (bool, error)
}

type Report struct {
	Scanned int
	// Recent counts receipts skipped because they are younger than the
	// minimum age.
	Recent int
	// Orphans lists unreferenced receipt ids in ascending order.
	Orphans []string
}

// FindOrphans walks every receipt of w and checks it against idx. Receipts
// whose id carries a mint time inside the minimum age are counted as recent
// and not checked.
func FindOrphans(ctx context.Context, w backend.Walker, idx ReceiptIndex, concurrency int, opts ...Option) (Report, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	o := options{minAge: DefaultMinAge, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cutoff := o.now().Add(-o.minAge)

	var (
		mu     sync.Mutex
		report = Report{Orphans: []string{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	walkErr := w.WalkReceipts(gctx, func(id string) error {
		if minted, ok := mintTime(id); ok && o.minAge > 0 && minted.After(cutoff) {
			mu.Lock()
			report.Recent++
			mu.Unlock()
			return nil
		}

		g.Go(func() error {
			referenced, err := idx.ReceiptExists(gctx, id)
			if err != nil {
				return fmt.Errorf("check receipt %s: %w", id, err)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Scanned++
			if !referenced {
				report.Orphans = append(report.Orphans, id)
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	if walkErr != nil {
		return Report{}, fmt.Errorf("walk receipts: %w", walkErr)
	}

	sort.Strings(report.Orphans)
	slog.Info("Reconciliation finished", "scanned", report.Scanned, "recent", report.Recent, "orphans", len(report.Orphans))
	return report, nil
}

// mintTime extracts the millisecond timestamp of a version 7 UUID receipt id.
func mintTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	ms := int64(u[0])<<40 | int64(u[1])<<32 | int64(u[2])<<24 | int64(u[3])<<16 | int64(u[4])<<8 | int64(u[5])
	return time.UnixMilli(ms), true
}
