// Package httpapi is a thin S3-flavoured HTTP adapter over gateway.Service.
package httpapi

import (
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerbucket/internal/auth"
	"ledgerbucket/internal/errs"
	"ledgerbucket/internal/etag"
	"ledgerbucket/internal/gateway"
	"ledgerbucket/internal/metadata"
	"ledgerbucket/internal/metrics"
	"ledgerbucket/internal/ui"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReceiptID      = "X-Ledgerbucket-Receipt-Id"
	HeaderLocation       = "X-Ledgerbucket-Location"
	HeaderReplayed       = "X-Ledgerbucket-Replayed"
	HeaderOrphaned       = "X-Ledgerbucket-Orphaned"

	metaHeaderPrefix = "X-Amz-Meta-"
	contentSHAHeader = "X-Amz-Content-Sha256"

	streamingPayloadPrefix = "STREAMING-"

	internalErrorMessage = "We encountered an internal error. Please try again."
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

type Option func(*Server)

// WithRedirectReads answers object GETs with a redirect to the backend
// location instead of proxying the payload.
func WithRedirectReads(enabled bool) Option {
	return func(s *Server) {
		s.redirectReads = enabled
	}
}

// WithMetrics records request metrics in m and serves gatherer at path.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
		s.metricsPath = path
	}
}

// WithBrowser serves the read-only HTML browser under ui.Prefix.
func WithBrowser(enabled bool) Option {
	return func(s *Server) {
		s.browser = enabled
	}
}

// WithAuthenticator requires every bucket and object request to carry
// credentials a accepts.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) {
		s.authenticator = a
	}
}

// Server maps HTTP requests onto gateway operations.
type Server struct {
	svc           *gateway.Service
	authenticator auth.Authenticator
	redirectReads bool
	browser       bool
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	metricsPath   string
}

func New(svc *gateway.Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	mux := http.NewServeMux()

	if s.gatherer != nil && s.metricsPath != "" {
		root.Handle("GET "+s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	requireAuth := RequireAuthentication(s.authenticator)
	root.Handle("/", requireAuth(mux))
	if s.browser {
		browser := http.NewServeMux()
		s.registerBrowser(browser)
		root.Handle(ui.Prefix+"/", requireAuth(browser))
	}

	// List all buckets
	mux.HandleFunc("GET /{$}", s.handleListBuckets)

	// Bucket-level operations
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleListObjects(w, r, r.PathValue("bucket"))
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectHead(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectDelete(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	objects := requireAuth(http.HandlerFunc(s.serveObject))
	return LogRequest(s.metrics)(Recoverer(uncleanObjectPaths(root, objects)))
}

// uncleanObjectPaths sends object requests whose path ServeMux would clean
// and redirect, such as "/b/a//c" or "/b/x/../y", straight to objects so the
// key is kept byte for byte.
func uncleanObjectPaths(next, objects http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		bucket, key, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/")
		if !ok || bucket == "" || key == "" || !needsCleaning(p) {
			next.ServeHTTP(w, r)
			return
		}
		r.SetPathValue("bucket", bucket)
		r.SetPathValue("key", key)
		objects.ServeHTTP(w, r)
	})
}

// needsCleaning mirrors the check ServeMux applies before redirecting.
func needsCleaning(p string) bool {
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean != p
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	switch r.Method {
	case http.MethodPut:
		s.handleObjectPut(w, r, bucket, key)
	case http.MethodGet:
		s.handleObjectGet(w, r, bucket, key)
	case http.MethodHead:
		s.handleObjectHead(w, r, bucket, key)
	case http.MethodDelete:
		s.handleObjectDelete(w, r, bucket, key)
	default:
		w.Header().Set("Allow", "DELETE, GET, HEAD, PUT")
		writeS3Error(w, "MethodNotAllowed", "The specified method is not allowed against this resource.", r.URL.Path, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.svc.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	entries := make([]ListAllMyBucketsEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, ListAllMyBucketsEntry{
			Name:         b.Name,
			CreationDate: b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: ListAllMyBucketsOwner{
			ID:          "ledgerbucket",
			DisplayName: "ledgerbucket",
		},
		Buckets: entries,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	in := metadata.ListInput{
		Bucket:    bucket,
		Prefix:    q.Get("prefix"),
		Marker:    q.Get("marker"),
		Delimiter: q.Get("delimiter"),
		MaxKeys:   metadata.DefaultListKeys,
	}
	if raw := q.Get("max-keys"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeS3Error(w, "InvalidArgument", "max-keys must be a non-negative integer.", r.URL.Path, http.StatusBadRequest)
			return
		}
		in.MaxKeys = v
	}

	page, err := s.svc.ListObjects(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summaries := make([]ObjectSummary, 0, len(page.Objects))
	for _, rec := range page.Objects {
		summaries = append(summaries, ObjectSummary{
			Key:          rec.Key,
			LastModified: rec.LastModified.UTC().Format(time.RFC3339),
			ETag:         rec.ETag,
			Size:         rec.Size,
			StorageClass: "STANDARD",
		})
	}

	var commonPrefixes []CommonPrefix
	for _, p := range page.CommonPrefixes {
		commonPrefixes = append(commonPrefixes, CommonPrefix{Prefix: p})
	}

	resp := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           bucket,
		Prefix:         in.Prefix,
		Marker:         in.Marker,
		NextMarker:     page.NextMarker,
		Delimiter:      in.Delimiter,
		MaxKeys:        metadata.NormalizeMaxKeys(in.MaxKeys),
		IsTruncated:    page.IsTruncated,
		Contents:       summaries,
		CommonPrefixes: commonPrefixes,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	defer r.Body.Close()

	limit := s.svc.Config().MaxObjectSize
	if r.ContentLength > limit {
		writeError(w, r, errs.New(errs.KindEntityTooLarge, "httpapi.PutObject",
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", r.ContentLength, limit)))
		return
	}

	// Read one byte past the limit so the gateway sees the oversize payload.
	hasher := etag.NewHasher()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(r.Body, limit+1), hasher))
	if err != nil {
		slog.Error("Read request body", "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	want := r.Header.Get(contentSHAHeader)
	if strings.HasPrefix(want, streamingPayloadPrefix) {
		writeS3Error(w, "NotImplemented", "Chunked payload signing is not supported.", r.URL.Path, http.StatusNotImplemented)
		return
	}
	if isHexDigest(want) {
		if !strings.EqualFold(etag.Unquote(hasher.ETag()), want) {
			writeS3Error(w, "XAmzContentSHA256Mismatch",
				"The provided 'x-amz-content-sha256' header does not match what was computed.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	res, err := s.svc.PutObject(r.Context(), gateway.PutInput{
		Bucket:         bucket,
		Key:            key,
		Data:           data,
		ContentType:    r.Header.Get("Content-Type"),
		Metadata:       userMetadata(r.Header),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", res.Record.ETag)
	w.Header().Set(HeaderReceiptID, res.Record.ReceiptID)
	if res.Location != "" {
		w.Header().Set(HeaderLocation, res.Location)
	}
	if res.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	if s.redirectReads {
		res, err := s.svc.Resolve(r.Context(), bucket, key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// Clients cannot follow file:// locations; those reads are proxied.
		if redirectable(res.Location) {
			w.Header().Set("ETag", res.Record.ETag)
			w.Header().Set(HeaderReceiptID, res.Record.ReceiptID)
			http.Redirect(w, r, res.Location, http.StatusTemporaryRedirect)
			return
		}
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		rec, err := s.svc.GetObjectMeta(r.Context(), bucket, key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if etag.Match(inm, rec.ETag) {
			w.Header().Set("ETag", rec.ETag)
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	res, body, err := s.svc.OpenObject(r.Context(), bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	setObjectHeaders(w.Header(), res.Record)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

func redirectable(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	res, err := s.svc.Resolve(r.Context(), bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setObjectHeaders(w.Header(), res.Record)
	if res.Location != "" {
		w.Header().Set(HeaderLocation, res.Location)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	if _, err := s.svc.DeleteObject(r.Context(), bucket, key); err != nil {
		writeError(w, r, err)
		return
	}

	// The backend payload stays where it is; only the mapping is gone.
	w.WriteHeader(http.StatusNoContent)
}

func setObjectHeaders(h http.Header, rec metadata.ObjectRecord) {
	h.Set("Content-Type", rec.ContentType)
	h.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	h.Set("Last-Modified", rec.LastModified.UTC().Format(http.TimeFormat))
	h.Set("ETag", rec.ETag)
	h.Set(HeaderReceiptID, rec.ReceiptID)
	for name, value := range rec.Metadata {
		h.Set(metaHeaderPrefix+name, value)
	}
}

// userMetadata collects x-amz-meta-* headers with lowercased names.
func userMetadata(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		if !strings.HasPrefix(name, metaHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.ToLower(strings.TrimPrefix(name, metaHeaderPrefix))] = values[0]
	}
	return meta
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidArgument, errs.KindEntityTooLarge:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindBackendRejected:
		return http.StatusUnprocessableEntity
	case errs.KindBackendUnavailable, errs.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindAmbiguousWrite:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the S3 error document for a gateway error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(errs.KindOf(err))

	message := internalErrorMessage
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}

	if errs.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if errs.IsOrphaned(err) {
		w.Header().Set(HeaderOrphaned, "true")
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}

	writeS3Error(w, errs.CodeOf(err), message, r.URL.Path, status)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}

	if !bucketNamePattern.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}
