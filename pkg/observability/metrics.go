package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Snapshot metrics
	SnapshotCacheTotal   *prometheus.CounterVec
	SnapshotLoadsTotal   *prometheus.CounterVec
	SnapshotLoadDuration prometheus.Histogram
	InvalidationsTotal   *prometheus.CounterVec

	// Assignment metrics
	AssignmentsTotal *prometheus.CounterVec

	// Audit metrics
	AuditFailuresTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealerops_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_authz_decisions_total",
				Help: "Authorization decisions by module and category",
			},
			[]string{"module", "category"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealerops_authz_decision_duration_seconds",
				Help:    "Time to reach an authorization decision",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"module"},
		),

		SnapshotCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_snapshot_cache_total",
				Help: "Snapshot cache lookups by result",
			},
			[]string{"result"},
		),
		SnapshotLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_snapshot_loads_total",
				Help: "Snapshot loads from the policy store by status",
			},
			[]string{"status"},
		),
		SnapshotLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealerops_snapshot_load_duration_seconds",
				Help:    "Snapshot load duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_snapshot_invalidations_total",
				Help: "Snapshot invalidations by scope",
			},
			[]string{"scope"},
		),

		AssignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_assignments_total",
				Help: "Role, group and module assignment writes",
			},
			[]string{"operation", "status"},
		),

		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealerops_audit_write_failures_total",
				Help: "Audit events a sink failed to record, by source",
			},
			[]string{"source"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealerops_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealerops_db_connections_in_use",
				Help: "Database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealerops_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.SnapshotCacheTotal,
		m.SnapshotLoadsTotal,
		m.SnapshotLoadDuration,
		m.InvalidationsTotal,
		m.AssignmentsTotal,
		m.AuditFailuresTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDecision counts one guard decision
func (m *Metrics) RecordDecision(module, category string, d time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(module, category).Inc()
	m.DecisionDuration.WithLabelValues(module).Observe(d.Seconds())
}

// RecordSnapshotCache counts a snapshot cache lookup
func (m *Metrics) RecordSnapshotCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SnapshotCacheTotal.WithLabelValues(result).Inc()
}

// RecordSnapshotLoad records a snapshot load from the store
func (m *Metrics) RecordSnapshotLoad(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotLoadsTotal.WithLabelValues(status).Inc()
	m.SnapshotLoadDuration.Observe(d.Seconds())
}

// RecordInvalidation counts a cache invalidation
func (m *Metrics) RecordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.InvalidationsTotal.WithLabelValues(scope).Inc()
}

// RecordAssignment counts an assignment write
func (m *Metrics) RecordAssignment(operation, status string) {
	if m == nil {
		return
	}
	m.AssignmentsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAuditFailure counts an audit event that was not recorded
func (m *Metrics) RecordAuditFailure(source string) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(source).Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(open, inUse, idle int) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
	m.DBConnectionsIdle.Set(float64(idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// route labels the request; pass nil to label by URL path.
func HTTPMetricsMiddleware(metrics *Metrics, route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rw, r)

			label := route(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
