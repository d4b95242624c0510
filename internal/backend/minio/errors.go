package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	miniogo "github.com/minio/minio-go/v7"

	"ledgerbucket/internal/backend"
)

// mapError translates a MinIO SDK error into the backend sentinel taxonomy.
// Errors that match no sentinel are returned wrapped as-is and classified by
// the caller as an unknown outcome.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrNotFound, err)
		case "QuotaExceeded", "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded", "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrCapacity, err)
		case "EntityTooLarge", "InvalidArgument", "InvalidRequest", "MetadataTooLarge", "InvalidObjectName", "KeyTooLongError":
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrRejected, err)
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrNotFound, err)
		case http.StatusPaymentRequired, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrFunding, err)
		case http.StatusServiceUnavailable, http.StatusInsufficientStorage, http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrCapacity, err)
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%s: %w: %w", msg, backend.ErrRejected, err)
		}
	}

	return fmt.Errorf("%s: %w", msg, err)
}
