// Package metrics holds the Prometheus metrics of the gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures the process-wide metrics are only registered once.
var metricsOnce sync.Once

var metricsInstance *Metrics

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Upload outcomes: ok, replayed, invalid, conflict, rejected,
	// unavailable, ambiguous, orphaned.
	UploadsTotal *prometheus.CounterVec // ledgerbucket_uploads_total{outcome}
	OrphansTotal prometheus.Counter     // ledgerbucket_orphaned_writes_total

	BackendDuration *prometheus.HistogramVec // ledgerbucket_backend_duration_seconds{operation,result}
	ListEntries     prometheus.Histogram     // ledgerbucket_list_page_entries

	RequestsTotal   *prometheus.CounterVec   // ledgerbucket_http_requests_total{method,status}
	RequestDuration *prometheus.HistogramVec // ledgerbucket_http_request_duration_seconds{method}

	ObjectsLive prometheus.Gauge // ledgerbucket_live_objects
	BucketsLive prometheus.Gauge // ledgerbucket_live_buckets
	StoredBytes prometheus.Gauge // ledgerbucket_live_bytes
}

// Init registers the process-wide metrics with registry, or with the default
// registry when nil. Subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = New(registry)
	})
	return metricsInstance
}

// New registers a fresh set of collectors with registry. Use it where
// several independent instances are needed, such as tests.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerbucket_uploads_total",
			Help: "Object uploads by outcome",
		}, []string{"outcome"}),

		OrphansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerbucket_orphaned_writes_total",
			Help: "Payloads accepted by the backend whose metadata commit failed",
		}),

		BackendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerbucket_backend_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),

		ListEntries: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerbucket_list_page_entries",
			Help:    "Objects plus common prefixes returned per listing page",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerbucket_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerbucket_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		ObjectsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerbucket_live_objects",
			Help: "Number of live objects",
		}),

		BucketsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerbucket_live_buckets",
			Help: "Number of buckets",
		}),

		StoredBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerbucket_live_bytes",
			Help: "Total size of live objects in bytes",
		}),
	}
}

// RecordUpload counts an upload outcome.
func (m *Metrics) RecordUpload(outcome string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}

// RecordOrphan counts a write left without a metadata record.
func (m *Metrics) RecordOrphan() {
	if m == nil {
		return
	}
	m.OrphansTotal.Inc()
}

// RecordBackend observes one backend call.
func (m *Metrics) RecordBackend(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(operation, result).Observe(seconds)
}

// RecordList observes the size of a listing page.
func (m *Metrics) RecordList(entries int) {
	if m == nil {
		return
	}
	m.ListEntries.Observe(float64(entries))
}

// RecordRequest counts an HTTP request.
func (m *Metrics) RecordRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// UpdateStorage sets the live storage gauges.
func (m *Metrics) UpdateStorage(objects, buckets, bytes int64) {
	if m == nil {
		return
	}
	m.ObjectsLive.Set(float64(objects))
	m.BucketsLive.Set(float64(buckets))
	m.StoredBytes.Set(float64(bytes))
}
