// Package audit reports orphaned writes: payloads the backend accepted whose
// metadata commit then failed. Nothing references such a payload, and since
// the backend cannot delete, an operator has to reconcile it.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Orphan describes one unreferenced backend payload.
type Orphan struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ReceiptID string    `json:"receipt_id"`
	ETag      string    `json:"etag"`
	Size      int64     `json:"size"`
	Cause     string    `json:"cause"`
	At        time.Time `json:"at"`
}

// Reporter publishes orphan reports.
type Reporter interface {
	ReportOrphan(ctx context.Context, o Orphan) error
}

// LogReporter writes orphan reports to a slog.Logger at error level.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportOrphan(ctx context.Context, o Orphan) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.ErrorContext(ctx, "Orphaned backend write",
		"orphan", true,
		"bucket", o.Bucket,
		"key", o.Key,
		"receipt", o.ReceiptID,
		"etag", o.ETag,
		"size", o.Size,
		"cause", o.Cause,
	)
	return nil
}

// Multi fans a report out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) ReportOrphan(ctx context.Context, o Orphan) error {
	var errList []error
	for _, r := range m {
		if err := r.ReportOrphan(ctx, o); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
