// Package errs provides the typed error used across ledgerbucket.
//
// Every layer (metadata store, backend drivers, gateway) converts the errors
// it receives into *errs.Error before returning them, so callers such as the
// HTTP adapter can branch on a Kind without importing driver packages.
//
//	if errs.IsNotFound(err) {
//		// 404
//	}
//	if errs.IsRetryable(err) {
//		// 503 + Retry-After
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind categorises a failure independent of the subsystem that produced it.
type Kind int

const (
	KindUnknown            Kind = iota
	KindInvalidArgument         // missing or malformed bucket, key or parameter
	KindEntityTooLarge          // payload above the configured ceiling
	KindNotFound                // no live record
	KindConflict                // another request holds the same idempotency key
	KindBackendUnavailable      // transient backend failure, safe to retry
	KindBackendRejected         // permanent backend refusal of the payload
	KindAmbiguousWrite          // backend outcome unknown, reconcile before retrying
	KindStoreUnavailable        // metadata store I/O failure, safe to retry
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindEntityTooLarge:
		return "EntityTooLarge"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindBackendRejected:
		return "BackendRejected"
	case KindAmbiguousWrite:
		return "AmbiguousWrite"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned by ledgerbucket packages.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "metadata.UpsertLive".
	Op string
	// Code is an optional S3-style error code ("MissingParameter",
	// "InvalidBucketName", ...). When empty, DefaultCode(Kind) applies.
	Code    string
	Message string
	// Orphaned is set when the backend accepted a payload but the metadata
	// commit failed, leaving unreferenced backend content behind.
	Orphaned bool
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is / errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New returns an *Error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap returns an *Error with cause attached.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// WithCode sets the S3-style code and returns e for chaining.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool { return Is(err, KindNotFound) }

func IsAmbiguous(err error) bool { return Is(err, KindAmbiguousWrite) }

// IsRetryable reports whether the caller may retry the same request as is.
// Ambiguous writes are deliberately not retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindStoreUnavailable:
		return true
	}
	return false
}

// IsOrphaned reports whether err describes a write whose payload reached the
// backend without a metadata record pointing at it.
func IsOrphaned(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Orphaned
	}
	return false
}

// CodeOf returns the S3-style code carried by err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return DefaultCode(e.Kind)
	}
	return "InternalError"
}

// DefaultCode maps a Kind to the S3 error code used when none was set.
func DefaultCode(k Kind) string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindEntityTooLarge:
		return "EntityTooLarge"
	case KindNotFound:
		return "NoSuchKey"
	case KindConflict:
		return "OperationAborted"
	case KindBackendUnavailable, KindStoreUnavailable:
		return "ServiceUnavailable"
	case KindBackendRejected:
		return "InvalidRequest"
	case KindAmbiguousWrite:
		return "RequestTimeout"
	default:
		return "InternalError"
	}
}
