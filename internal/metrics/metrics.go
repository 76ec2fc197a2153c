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
			Name: "threadline_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_messages_dispatched_total",
			Help: "Outbound dispatch results by channel and final status",
		},
		[]string{"channel", "status"},
	)

	messagesInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_messages_inbound_total",
			Help: "Inbound messages persisted by channel",
		},
		[]string{"channel"},
	)

	webhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_webhook_rejections_total",
			Help: "Inbound webhooks rejected before persistence",
		},
		[]string{"reason"},
	)

	webhookDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_webhook_duplicates_total",
			Help: "Inbound webhooks dropped as duplicate deliveries",
		},
	)

	legacySignatureChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_legacy_signature_checks_total",
			Help: "Webhook verifications that used the degraded dev-only digest",
		},
	)

	scheduledJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_scheduled_jobs_total",
			Help: "Scheduled jobs driven to a terminal status",
		},
		[]string{"status"},
	)

	schedulerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadline_scheduler_cycle_duration_seconds",
			Help:    "Time spent per scheduler poll cycle",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15},
		},
	)

	credentialCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_credential_cache_lookups_total",
			Help: "Per-team credential cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_rate_limit_rejections_total",
			Help: "Requests rejected by the per-team rate limiter",
		},
		[]string{"team_id"},
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

// RecordDispatch records the terminal status of one outbound dispatch
func RecordDispatch(channel, status string) {
	messagesDispatched.WithLabelValues(channel, status).Inc()
}

// RecordInbound records one persisted inbound message
func RecordInbound(channel string) {
	messagesInbound.WithLabelValues(channel).Inc()
}

// RecordWebhookRejection records a webhook rejected before persistence
func RecordWebhookRejection(reason string) {
	webhookRejections.WithLabelValues(reason).Inc()
}

// RecordWebhookDuplicate records a duplicate delivery that was dropped
func RecordWebhookDuplicate() {
	webhookDuplicates.Inc()
}

// RecordLegacySignatureCheck records use of the degraded signature path
func RecordLegacySignatureCheck() {
	legacySignatureChecks.Inc()
}

// RecordScheduledJob records a job reaching COMPLETED or FAILED
func RecordScheduledJob(status string) {
	scheduledJobs.WithLabelValues(status).Inc()
}

// RecordSchedulerCycle records the duration of one poll cycle
func RecordSchedulerCycle(d time.Duration) {
	schedulerCycleDuration.Observe(d.Seconds())
}

// RecordCredentialCacheLookup records a cache hit, miss, or expiry
func RecordCredentialCacheLookup(outcome string) {
	credentialCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(teamID string) {
	rateLimitRejections.WithLabelValues(teamID).Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
