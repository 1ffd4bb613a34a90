package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	tickRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tick_runs_total",
			Help: "Daily tick runs by result",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_tick_duration_seconds",
			Help:    "Wall time of one daily tick",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_total",
			Help: "Dispatch outcomes by kind and channel",
		},
		[]string{"outcome", "kind", "channel"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Recorded delivery attempts by status and channel",
		},
		[]string{"status", "channel"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Channel sender call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 15},
		},
		[]string{"channel"},
	)

	duplicateSendLogs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_duplicate_send_logs_total",
			Help: "Send log inserts that lost the race to a concurrent tick",
		},
	)

	auditSinkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_audit_sink_failures_total",
			Help: "Delivery attempts that could not be published to the event sink",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"action"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTick records one daily tick run
func RecordTick(result string, duration time.Duration) {
	tickRuns.WithLabelValues(result).Inc()
	tickDuration.Observe(duration.Seconds())
}

// RecordDispatch records a dispatcher outcome (sent, failed, skipped)
func RecordDispatch(outcome, kind, channel string) {
	dispatchOutcomes.WithLabelValues(outcome, kind, channel).Inc()
}

// RecordAttempt records an audited delivery attempt
func RecordAttempt(status, channel string) {
	deliveryAttempts.WithLabelValues(status, channel).Inc()
}

// RecordSendLatency records how long a channel sender call took
func RecordSendLatency(channel string, latency time.Duration) {
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDuplicateSendLog records a send log insert that hit the unique index
func RecordDuplicateSendLog() {
	duplicateSendLogs.Inc()
}

// RecordAuditSinkFailure records a failed event sink publish
func RecordAuditSinkFailure() {
	auditSinkFailures.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(action string) {
	rateLimitRejections.WithLabelValues(action).Inc()
}

// SetCircuitState sets the breaker state gauge
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
