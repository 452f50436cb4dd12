// Package metrics provides Prometheus metrics for the list engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fruitsalade/vlist/pkg/cache"
)

var (
	// Load metrics
	loadRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_load_requests_total",
			Help: "Total load attempts by outcome",
		},
		[]string{"outcome"},
	)

	loadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlist_loads_in_flight",
			Help: "Number of load calls currently running",
		},
	)

	loadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vlist_load_duration_seconds",
			Help:    "Load call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	retryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vlist_retry_delay_seconds",
			Help:    "Backoff delay of scheduled retries in seconds",
			Buckets: []float64{0.5, 1, 3, 6, 12, 30, 60},
		},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlist_cache_hits_total",
			Help: "Total content cache hits",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlist_cache_misses_total",
			Help: "Total content cache misses",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlist_cache_evictions_total",
			Help: "Total content cache evictions",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlist_cache_entries",
			Help: "Current number of content cache entries",
		},
	)

	// Connectivity metrics
	offlineGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlist_offline",
			Help: "1 while the engine considers itself offline",
		},
	)

	offlineTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_offline_transitions_total",
			Help: "Total connectivity transitions",
		},
		[]string{"to"},
	)

	// Event metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_events_published_total",
			Help: "Total engine events published",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_events_dropped_total",
			Help: "Total event deliveries dropped for slow subscribers",
		},
		[]string{"type"},
	)

	// Source metrics
	sourceOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlist_source_operation_duration_seconds",
			Help:    "Data source operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "operation"},
	)

	sourceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_source_operations_total",
			Help: "Total data source operations",
		},
		[]string{"source", "operation", "status"},
	)

	sourceInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_source_invalidations_total",
			Help: "Total listing invalidations caused by source changes",
		},
		[]string{"source"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlist_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlist_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLoadOutcome records how a load attempt ended.
func RecordLoadOutcome(outcome string) {
	loadRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetryDelay records the delay of a scheduled retry.
func RecordRetryDelay(d time.Duration) {
	retryDelay.Observe(d.Seconds())
}

// SetOffline records the connectivity state.
func SetOffline(offline bool) {
	to := "online"
	v := 0.0
	if offline {
		to = "offline"
		v = 1
	}
	offlineGauge.Set(v)
	offlineTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordEvent records an event publication and the deliveries it dropped.
func RecordEvent(eventType string, dropped int) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		eventsDroppedTotal.WithLabelValues(eventType).Add(float64(dropped))
	}
}

// RecordSourceOperation records a data source call.
func RecordSourceOperation(source, operation string, duration time.Duration, success bool) {
	sourceOperationDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	sourceOperationsTotal.WithLabelValues(source, operation, status).Inc()
}

// RecordInvalidation records a listing invalidated by a source change.
func RecordInvalidation(source string) {
	sourceInvalidationsTotal.WithLabelValues(source).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Recorder exports engine measurements. Cache statistics arrive as
// running totals and are turned into counter increments.
type Recorder struct {
	mu   sync.Mutex
	last cache.Stats
}

// NewRecorder creates a recorder for one engine.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LoadStarted() {
	loadsInFlight.Inc()
}

func (r *Recorder) LoadDone(d time.Duration) {
	loadsInFlight.Dec()
	loadDuration.Observe(d.Seconds())
}

func (r *Recorder) LoadOutcome(outcome string) {
	RecordLoadOutcome(outcome)
}

func (r *Recorder) RetryScheduled(delay time.Duration) {
	RecordRetryDelay(delay)
}

func (r *Recorder) OfflineChanged(offline bool) {
	SetOffline(offline)
}

func (r *Recorder) EventPublished(eventType string, dropped int) {
	RecordEvent(eventType, dropped)
}

// CacheStats adds the growth since the previous snapshot. A snapshot
// with smaller totals means the cache was recreated and counts from zero.
func (r *Recorder) CacheStats(s cache.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cacheHitsTotal.Add(float64(delta(s.Hits, r.last.Hits)))
	cacheMissesTotal.Add(float64(delta(s.Misses, r.last.Misses)))
	cacheEvictionsTotal.Add(float64(delta(s.Evictions, r.last.Evictions)))
	cacheEntries.Set(float64(s.Size))
	r.last = s
}

func delta(cur, prev int64) int64 {
	if cur < prev {
		return cur
	}
	return cur - prev
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
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
