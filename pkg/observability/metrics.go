package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reporting server
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store metrics
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec

	// Report metrics
	ReportsTotal          *prometheus.CounterVec
	ReportDuration        prometheus.Histogram
	ReportStudyFanOut     prometheus.Histogram
	ReportPartialFailures prometheus.Counter

	// Authorization metrics
	ForbiddenTotal  *prometheus.CounterVec
	SignedLinkTotal *prometheus.CounterVec

	// Database pool metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics, refreshed periodically
	StudiesTotal     prometheus.Gauge
	StudyUsersTotal  prometheus.Gauge
	SubmissionsTotal prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psytools_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psytools_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psytools_store_query_duration_seconds",
				Help:    "Store query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		),
		QueryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psytools_store_query_errors_total",
				Help: "Total number of failed store queries",
			},
			[]string{"query"},
		),
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psytools_status_reports_total",
				Help: "Total number of status reports built",
			},
			[]string{"outcome"},
		),
		ReportDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "psytools_status_report_duration_seconds",
				Help:    "End-to-end status report build duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		ReportStudyFanOut: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "psytools_status_report_studies",
				Help:    "Number of studies covered per status report",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		ReportPartialFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "psytools_status_report_partial_failures_total",
				Help: "Per-study sub-queries that failed and fell back to defaults",
			},
		),
		ForbiddenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psytools_forbidden_total",
				Help: "Requests rejected by the access gate",
			},
			[]string{"endpoint"},
		),
		SignedLinkTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psytools_signed_links_total",
				Help: "Signed download links issued and redeemed",
			},
			[]string{"op", "outcome"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psytools_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psytools_db_connections_idle",
				Help: "Idle database connections",
			},
		),
		StudiesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psytools_studies_total",
				Help: "Total number of studies",
			},
		),
		StudyUsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psytools_study_users_total",
				Help: "Total number of study participants",
			},
		),
		SubmissionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psytools_submissions_total",
				Help: "Total number of task submissions",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.QueryDuration,
		m.QueryErrors,
		m.ReportsTotal,
		m.ReportDuration,
		m.ReportStudyFanOut,
		m.ReportPartialFailures,
		m.ForbiddenTotal,
		m.SignedLinkTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.StudiesTotal,
		m.StudyUsersTotal,
		m.SubmissionsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateDBStats copies connection pool stats into gauges
func (m *Metrics) UpdateDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// HTTPMiddleware instruments a handler with request count and duration metrics.
// The path label is the matched route template, not the raw URL, so dataset
// ids and file paths never blow up the label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
