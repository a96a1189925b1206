// Package metrics provides Prometheus metrics for the ksync server and sync client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ksync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Object store metrics
	objectPutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_object_puts_total",
			Help: "Object puts by outcome (stored, deduplicated, error)",
		},
		[]string{"result"},
	)

	objectBytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ksync_object_bytes_stored_total",
			Help: "Bytes written to the object backend",
		},
	)

	objectBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ksync_object_bytes_read_total",
			Help: "Bytes read from the object backend",
		},
	)

	// History metrics
	commitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_commits_total",
			Help: "Committed versions by operation",
		},
		[]string{"op"},
	)

	staleRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ksync_commit_stale_retries_total",
			Help: "Commits retried after losing the compare-and-append race",
		},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ksync_commit_conflicts_total",
			Help: "Mutations abandoned after exhausting commit retries",
		},
	)

	currentVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ksync_current_version",
			Help: "Sequence number of the current tree",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ksync_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Storage backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ksync_backend_operation_duration_seconds",
			Help:    "Object backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_backend_operations_total",
			Help: "Total object backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ksync_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Sync client metrics
	syncRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_sync_rounds_total",
			Help: "Sync rounds by outcome",
		},
		[]string{"result"},
	)

	syncRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ksync_sync_round_duration_seconds",
			Help:    "Duration of a full sync round",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncPathsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ksync_sync_paths_total",
			Help: "Paths propagated by the sync engine, by action",
		},
		[]string{"action"},
	)
)

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordObjectPut records an object put. dedup is true when the object
// was already present.
func RecordObjectPut(bytes int64, dedup bool, err error) {
	switch {
	case err != nil:
		objectPutsTotal.WithLabelValues("error").Inc()
	case dedup:
		objectPutsTotal.WithLabelValues("deduplicated").Inc()
	default:
		objectPutsTotal.WithLabelValues("stored").Inc()
		objectBytesStored.Add(float64(bytes))
	}
}

// RecordObjectRead records bytes served from the object backend.
func RecordObjectRead(bytes int64) {
	objectBytesRead.Add(float64(bytes))
}

// RecordCommit records a committed version.
func RecordCommit(op string, seq uint64) {
	commitsTotal.WithLabelValues(op).Inc()
	currentVersion.Set(float64(seq))
}

// RecordStaleRetry records a retried commit.
func RecordStaleRetry() {
	staleRetriesTotal.Inc()
}

// RecordConflict records a mutation that gave up.
func RecordConflict() {
	conflictsTotal.Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordBackendOperation records an object backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, outcome(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSyncRound records a completed sync round.
func RecordSyncRound(duration time.Duration, success bool) {
	syncRoundsTotal.WithLabelValues(outcome(success)).Inc()
	syncRoundDuration.Observe(duration.Seconds())
}

// RecordSyncPath records a propagated path.
func RecordSyncPath(action string) {
	syncPathsTotal.WithLabelValues(action).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their mux pattern so file paths do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
