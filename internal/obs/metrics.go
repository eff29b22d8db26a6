package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Engine-level metrics
var (
	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_registrations_total",
			Help: "Registration attempts by outcome.",
		},
		[]string{"status"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"status"},
	)

	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_token_refreshes_total",
			Help: "Refresh-token exchanges by outcome.",
		},
		[]string{"status"},
	)

	syncCreatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_sync_creates_total",
		Help: "Local records materialized by sync-on-read.",
	})

	reconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_reconciliation_runs_total",
		Help: "Completed consistency verification passes.",
	})

	inconsistentUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_inconsistent_users",
		Help: "Local users missing remotely as of the last pass.",
	})

	orphanCleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_orphan_cleanups_total",
			Help: "Remote orphan cleanup attempts by outcome.",
		},
		[]string{"status"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_audit_write_failures_total",
		Help: "Audit events dropped because the sink rejected them.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		registrationsTotal, loginsTotal, refreshesTotal,
		syncCreatesTotal, reconcileRunsTotal, inconsistentUsers,
		orphanCleanupsTotal, auditWriteFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Engine counters, called from internal/identity.

func IncRegistration(status string) { registrationsTotal.WithLabelValues(status).Inc() }
func IncLogin(status string)        { loginsTotal.WithLabelValues(status).Inc() }
func IncRefresh(status string)      { refreshesTotal.WithLabelValues(status).Inc() }
func IncSyncCreate()                { syncCreatesTotal.Inc() }
func IncAuditWriteFailure()         { auditWriteFailures.Inc() }

func IncOrphanCleanup(status string) { orphanCleanupsTotal.WithLabelValues(status).Inc() }

// ObserveReconciliation records the outcome of one verification pass.
func ObserveReconciliation(inconsistent int) {
	reconcileRunsTotal.Inc()
	inconsistentUsers.Set(float64(inconsistent))
}

// CanonicalPath collapses per-user path segments so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	// /v1/admin/users/<id>[/activate|/deactivate]
	if len(parts) >= 5 && parts[1] == "v1" && parts[2] == "admin" && parts[3] == "users" && parts[4] != "" {
		parts[4] = ":id"
		if len(parts) <= 6 {
			return strings.Join(parts, "/")
		}
	}
	return p
}

// Instrument wraps an http.Handler with RPS/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
