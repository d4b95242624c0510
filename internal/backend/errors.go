package backend

import (
	"context"
	"errors"

	"ledgerbucket/internal/errs"
)

// Drivers wrap these sentinels so callers can classify failures without
// knowing which driver produced them.
var (
	// ErrFunding means the backend refused the write for lack of funds or
	// quota. Transient.
	ErrFunding = errors.New("backend: insufficient funding")
	// ErrCapacity means the backend is temporarily out of capacity.
	ErrCapacity = errors.New("backend: capacity exhausted")
	// ErrRejected means the backend will never accept this payload.
	ErrRejected = errors.New("backend: payload rejected")
	// ErrNotFound means the receipt is unknown to the backend.
	ErrNotFound = errors.New("backend: receipt not found")
)

// ClassifyStore maps a Store failure onto the error taxonomy. Typed errors
// pass through unchanged. Anything else that is not a definite refusal leaves
// the outcome of the write unknown and is reported as an ambiguous write.
func ClassifyStore(op string, err error) error {
	var typed *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &typed):
		return err
	case errors.Is(err, ErrFunding), errors.Is(err, ErrCapacity):
		return errs.Wrap(errs.KindBackendUnavailable, op, "backend temporarily unavailable", err)
	case errors.Is(err, ErrRejected):
		return errs.Wrap(errs.KindBackendRejected, op, "backend rejected payload", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindAmbiguousWrite, op, "backend write timed out", err)
	}
	return errs.Wrap(errs.KindAmbiguousWrite, op, "backend write outcome unknown", err)
}

// ClassifyFetch maps a Fetch failure onto the error taxonomy. Reads have no
// side effects, so every failure other than a missing receipt is retryable.
func ClassifyFetch(op string, err error) error {
	var typed *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &typed):
		return err
	case errors.Is(err, ErrNotFound):
		return errs.Wrap(errs.KindNotFound, op, "receipt not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindBackendUnavailable, op, "backend read timed out", err)
	}
	return errs.Wrap(errs.KindBackendUnavailable, op, "backend read failed", err)
}
