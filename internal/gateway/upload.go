package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"ledgerbucket/internal/audit"
	"ledgerbucket/internal/backend"
	"ledgerbucket/internal/errs"
	"ledgerbucket/internal/etag"
	"ledgerbucket/internal/idempotency"
	"ledgerbucket/internal/metadata"
)

// Upload outcomes as recorded in metrics.
const (
	outcomeOK          = "ok"
	outcomeReplayed    = "replayed"
	outcomeInvalid     = "invalid"
	outcomeConflict    = "conflict"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
	outcomeAmbiguous   = "ambiguous"
	outcomeOrphaned    = "orphaned"
)

type PutInput struct {
	Bucket      string
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
	// IdempotencyKey, when set, makes retries of the same request replay the
	// first result instead of writing the payload again.
	IdempotencyKey string
}

type PutResult struct {
	Record metadata.ObjectRecord
	// Location is the backend URI of the stored payload.
	Location string
	// Replayed is true when the result came from an earlier request with the
	// same idempotency key.
	Replayed bool
}

// PutObject stores a payload in the backend and makes it the live content of
// (bucket, key).
func (s *Service) PutObject(ctx context.Context, in PutInput) (PutResult, error) {
	const op = "gateway.PutObject"

	if err := s.validatePut(op, in); err != nil {
		s.metrics.RecordUpload(outcomeInvalid)
		return PutResult{}, err
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	tag := etag.Compute(in.Data)

	var claimKey, claimToken string
	if in.IdempotencyKey != "" && s.tracker != nil {
		claimKey = idempotencyClaimKey(in.Bucket, in.Key, in.IdempotencyKey)
		claim, err := s.tracker.Begin(ctx, claimKey)
		if err != nil {
			return PutResult{}, err
		}
		if claim.State != idempotency.StateNew {
			return s.replay(op, claim, tag)
		}
		claimToken = claim.Token
	}

	tags := backend.BuildTags(backend.TagInput{
		ContentType: contentType,
		Bucket:      in.Bucket,
		Key:         in.Key,
		UploadedAt:  s.now(),
		ETag:        tag,
		Metadata:    in.Metadata,
	})

	receipt, err := s.storePayload(ctx, backend.Payload{Data: in.Data, ContentType: contentType, Tags: tags})
	if err != nil {
		s.settleFailedClaim(ctx, claimKey, claimToken, err)
		return PutResult{}, err
	}

	// Once the backend holds the payload the commit must not be abandoned
	// because the client went away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()

	rec, err := s.store.UpsertLive(commitCtx, metadata.ObjectInput{
		Bucket:      in.Bucket,
		Key:         in.Key,
		ReceiptID:   receipt.ID,
		ContentType: contentType,
		Size:        int64(len(in.Data)),
		ETag:        tag,
		Metadata:    in.Metadata,
	})
	if err != nil {
		s.settleFailedClaim(commitCtx, claimKey, claimToken, err)
		return PutResult{}, s.reportOrphan(commitCtx, op, in, receipt, tag, err)
	}

	if claimKey != "" {
		out := idempotency.Outcome{
			ReceiptID:    rec.ReceiptID,
			Bucket:       rec.Bucket,
			Key:          rec.Key,
			ContentType:  rec.ContentType,
			Size:         rec.Size,
			ETag:         rec.ETag,
			Metadata:     rec.Metadata,
			LastModified: rec.LastModified,
		}
		if err := s.tracker.Complete(commitCtx, claimKey, claimToken, out); err != nil {
			slog.Warn("Failed to record idempotency outcome", "bucket", in.Bucket, "key", in.Key, "err", err)
		}
	}

	s.metrics.RecordUpload(outcomeOK)
	slog.Debug("Stored object", "bucket", in.Bucket, "key", in.Key, "receipt", receipt.ID, "size", rec.Size)

	return PutResult{Record: rec, Location: s.backend.Location(receipt.ID)}, nil
}

func (s *Service) validatePut(op string, in PutInput) error {
	if err := validateBucket(op, in.Bucket); err != nil {
		return err
	}
	if err := validateKey(op, in.Key); err != nil {
		return err
	}
	if !s.store.ValidKey(in.Bucket) || !s.store.ValidKey(in.Key) {
		return errs.New(errs.KindInvalidArgument, op, "bucket and key must be valid UTF-8 without NUL")
	}

	size := int64(len(in.Data))
	if size > s.cfg.MaxObjectSize {
		return errs.New(errs.KindEntityTooLarge, op,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", size, s.cfg.MaxObjectSize))
	}
	if size == 0 && !s.cfg.AllowEmpty {
		return errs.New(errs.KindInvalidArgument, op, "empty payloads are not accepted")
	}
	return nil
}

// storePayload calls the backend under the upload timeout.
func (s *Service) storePayload(ctx context.Context, p backend.Payload) (backend.Receipt, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.backend.Store(storeCtx, p)
	err = backend.ClassifyStore("gateway.PutObject", err)

	result := outcomeOK
	switch errs.KindOf(err) {
	case errs.KindUnknown:
	case errs.KindBackendRejected:
		result = outcomeRejected
	case errs.KindAmbiguousWrite:
		result = outcomeAmbiguous
	default:
		result = outcomeUnavailable
	}
	s.metrics.RecordBackend("store", result, time.Since(start).Seconds())

	if err != nil {
		s.metrics.RecordUpload(result)
		if errs.IsAmbiguous(err) {
			slog.Warn("Backend write outcome unknown", "err", err)
		}
		return backend.Receipt{}, err
	}
	return receipt, nil
}

// replay answers a request whose idempotency key was already claimed.
func (s *Service) replay(op string, claim idempotency.Claim, tag string) (PutResult, error) {
	switch claim.State {
	case idempotency.StateInFlight:
		s.metrics.RecordUpload(outcomeConflict)
		return PutResult{}, errs.New(errs.KindConflict, op, "a request with this idempotency key is in progress")
	case idempotency.StateAmbiguous:
		s.metrics.RecordUpload(outcomeAmbiguous)
		return PutResult{}, errs.New(errs.KindAmbiguousWrite, op, "an earlier request with this idempotency key has an unknown outcome")
	}

	out := claim.Outcome
	if out.ETag != tag {
		s.metrics.RecordUpload(outcomeConflict)
		return PutResult{}, errs.New(errs.KindConflict, op, "idempotency key was used with a different payload")
	}

	s.metrics.RecordUpload(outcomeReplayed)
	return PutResult{
		Record: metadata.ObjectRecord{
			Bucket:       out.Bucket,
			Key:          out.Key,
			ReceiptID:    out.ReceiptID,
			ContentType:  out.ContentType,
			Size:         out.Size,
			ETag:         out.ETag,
			Metadata:     out.Metadata,
			LastModified: out.LastModified,
		},
		Location: s.backend.Location(out.ReceiptID),
		Replayed: true,
	}, nil
}

// settleFailedClaim releases an owned idempotency key after a failure, or
// pins it as ambiguous when the backend outcome is unknown.
func (s *Service) settleFailedClaim(ctx context.Context, claimKey, token string, cause error) {
	if claimKey == "" {
		return
	}

	var err error
	if errs.IsAmbiguous(cause) {
		err = s.tracker.MarkAmbiguous(ctx, claimKey, token)
	} else {
		err = s.tracker.Abort(ctx, claimKey, token)
	}
	if err != nil {
		slog.Warn("Failed to settle idempotency claim", "err", err)
	}
}

// reportOrphan publishes an orphan report for a payload the backend accepted
// but the store did not commit, and returns the store error marked as
// orphaned.
func (s *Service) reportOrphan(ctx context.Context, op string, in PutInput, receipt backend.Receipt, tag string, cause error) error {
	s.metrics.RecordOrphan()
	s.metrics.RecordUpload(outcomeOrphaned)

	report := audit.Orphan{
		Bucket:    in.Bucket,
		Key:       in.Key,
		ReceiptID: receipt.ID,
		ETag:      tag,
		Size:      int64(len(in.Data)),
		Cause:     cause.Error(),
		At:        s.now().UTC(),
	}
	if err := s.reporter.ReportOrphan(ctx, report); err != nil {
		slog.Error("Failed to report orphaned write", "receipt", receipt.ID, "err", err)
	}

	kind := errs.KindOf(cause)
	if kind == errs.KindUnknown {
		kind = errs.KindStoreUnavailable
	}
	return &errs.Error{
		Kind:     kind,
		Op:       op,
		Message:  "metadata commit failed after the backend accepted receipt " + receipt.ID,
		Orphaned: true,
		Cause:    cause,
	}
}

// idempotencyClaimKey scopes a client key to the object it writes.
func idempotencyClaimKey(bucket, key, clientKey string) string {
	h := sha256.New()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(clientKey))
	return hex.EncodeToString(h.Sum(nil))
}
