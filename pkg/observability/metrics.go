package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. The Record* helpers are safe to
// call on a nil *Metrics so library code can run without instrumentation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Ingestion metrics
	EventsTrackedTotal  *prometheus.CounterVec
	EventsRejectedTotal *prometheus.CounterVec
	EventFlushesTotal   *prometheus.CounterVec
	EventFlushDuration  prometheus.Histogram
	EventsRequeuedTotal prometheus.Counter
	EventBufferSize     prometheus.Gauge

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Business metrics
	ChurnAssessmentsTotal *prometheus.CounterVec
	ChurnAlertsTotal      *prometheus.CounterVec
	MRR                   prometheus.Gauge
	ActiveSubscribers     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Ingestion metrics
		EventsTrackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_tracked_total",
				Help: "Total number of accepted analytics events",
			},
			[]string{"event_type", "mode"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_rejected_total",
				Help: "Total number of analytics events that were not accepted",
			},
			[]string{"reason"},
		),
		EventFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_event_flushes_total",
				Help: "Total number of buffer flushes",
			},
			[]string{"status"},
		),
		EventFlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_event_flush_duration_seconds",
				Help:    "Buffer flush duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		EventsRequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_events_requeued_total",
				Help: "Total number of events re-buffered after a failed flush",
			},
		),
		EventBufferSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_event_buffer_size",
				Help: "Number of events waiting in the ingestion buffer",
			},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_storage_operations_total",
				Help: "Total number of event store operations",
			},
			[]string{"operation", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_storage_operation_duration_seconds",
				Help:    "Event store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		// Business metrics
		ChurnAssessmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_churn_assessments_total",
				Help: "Total number of churn risk assessments by risk level",
			},
			[]string{"risk_level"},
		),
		ChurnAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_churn_alerts_total",
				Help: "Total number of churn alerts raised",
			},
			[]string{"risk_level"},
		),
		MRR: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_mrr",
				Help: "Monthly recurring revenue at the last snapshot",
			},
		),
		ActiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_active_subscribers",
				Help: "Active subscribers at the last snapshot",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.EventsTrackedTotal,
		m.EventsRejectedTotal,
		m.EventFlushesTotal,
		m.EventFlushDuration,
		m.EventsRequeuedTotal,
		m.EventBufferSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ChurnAssessmentsTotal,
		m.ChurnAlertsTotal,
		m.MRR,
		m.ActiveSubscribers,
	)

	return m
}

// RecordEventTracked counts an accepted event. mode is "immediate" or "buffered".
func (m *Metrics) RecordEventTracked(eventType, mode string) {
	if m == nil {
		return
	}
	m.EventsTrackedTotal.WithLabelValues(eventType, mode).Inc()
}

// RecordEventRejected counts an event that failed validation or storage
func (m *Metrics) RecordEventRejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordFlush records the outcome of a buffer flush
func (m *Metrics) RecordFlush(duration time.Duration, requeued int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventFlushesTotal.WithLabelValues(status).Inc()
	m.EventFlushDuration.Observe(duration.Seconds())
	if requeued > 0 {
		m.EventsRequeuedTotal.Add(float64(requeued))
	}
}

// SetBufferSize reports the current buffer depth
func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.EventBufferSize.Set(float64(n))
}

// RecordStorageOperation records an event store call
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordChurnAssessment counts a churn score by level
func (m *Metrics) RecordChurnAssessment(level string) {
	if m == nil {
		return
	}
	m.ChurnAssessmentsTotal.WithLabelValues(level).Inc()
}

// RecordChurnAlert counts an alert by level
func (m *Metrics) RecordChurnAlert(level string) {
	if m == nil {
		return
	}
	m.ChurnAlertsTotal.WithLabelValues(level).Inc()
}

// SetRevenue reports the latest revenue snapshot
func (m *Metrics) SetRevenue(mrr float64, subscribers int) {
	if m == nil {
		return
	}
	m.MRR.Set(mrr)
	m.ActiveSubscribers.Set(float64(subscribers))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the mux route template so path parameters do not
// explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
