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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanpush_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanpush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanpush_events_accepted_total",
			Help: "Watcher events accepted at intake by canonical category",
		},
		[]string{"category"},
	)

	dedupDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanpush_dedup_decisions_total",
			Help: "Dedup gate verdicts (new, seen, baseline, error)",
		},
		[]string{"verdict"},
	)

	pushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanpush_push_sends_total",
			Help: "Per-subscriber push send outcomes",
		},
		[]string{"outcome"},
	)

	subscriptionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanpush_subscriptions_pruned_total",
			Help: "Subscriptions removed after the push service reported the endpoint gone",
		},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanpush_dispatch_duration_seconds",
			Help:    "Time to fan one event out to all subscribers",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	scheduledDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanpush_scheduled_dispatched_total",
			Help: "Scheduled reminders claimed and dispatched",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanpush_rate_limit_rejections_total",
			Help: "Requests rejected by the intake rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventAccepted records an accepted intake event.
func RecordEventAccepted(category string) {
	eventsAccepted.WithLabelValues(category).Inc()
}

// RecordDedupDecision records a dedup gate verdict.
func RecordDedupDecision(verdict string) {
	dedupDecisions.WithLabelValues(verdict).Inc()
}

// RecordPushSend records one per-subscriber send outcome.
func RecordPushSend(outcome string) {
	pushSends.WithLabelValues(outcome).Inc()
}

// RecordSubscriptionPruned records a self-healing registry deletion.
func RecordSubscriptionPruned() {
	subscriptionsPruned.Inc()
}

// ObserveDispatch records the duration of one fan-out.
func ObserveDispatch(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// RecordScheduledDispatched records a claimed scheduled reminder.
func RecordScheduledDispatched() {
	scheduledDispatched.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
