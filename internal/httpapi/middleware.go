package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ledgerbucket/internal/auth"
	"ledgerbucket/internal/metrics"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest returns middleware that logs every request and records it in m.
func LogRequest(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := LogEntry{
				IP:     r.RemoteAddr,
				Method: r.Method,
				URL:    r.URL.String(),
				Proto:  r.Proto,
			}

			writer := ResponseWriterWrapper{ResponseWriter: w}

			start := time.Now()
			next.ServeHTTP(&writer, r)
			elapsed := time.Since(start)

			if writer.WrittenResponseCode == 0 {
				writer.WrittenResponseCode = http.StatusOK
			}
			entry.DurationMS = float64(elapsed.Nanoseconds()) / float64(time.Millisecond)
			entry.StatusCode = writer.WrittenResponseCode

			m.RecordRequest(r.Method, strconv.Itoa(entry.StatusCode), elapsed.Seconds())

			switch {
			case entry.StatusCode >= 500:
				slog.Error("Request", entry.User(), entry.Request())
			case entry.StatusCode >= 400:
				slog.Warn("Request", entry.User(), entry.Request())
			default:
				slog.Info("Request", entry.User(), entry.Request())
			}
		})
	}
}

// Recoverer turns a handler panic into an S3 InternalError response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				// Aborted responses are not logged; re-panic so the server drops the connection.
				panic(rvr)
			}

			slog.Error("Panic in HTTP handler", "method", r.Method, "url", r.URL.Path, "panic", rvr)
			writeS3Error(w, "InternalError", internalErrorMessage, r.URL.Path, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// RequireAuthentication rejects requests a does not authenticate. A nil
// authenticator lets every request through.
func RequireAuthentication(a auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r.Context(), r)
			switch {
			case errors.Is(err, auth.ErrAccessDenied):
				slog.Debug("Authentication failed", "url", r.URL.Path, "err", err)
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
				return
			case err != nil:
				slog.Error("Authentication error", "url", r.URL.Path, "err", err)
				writeS3Error(w, "InternalError", internalErrorMessage, r.URL.Path, http.StatusInternalServerError)
				return
			case p == nil:
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}
