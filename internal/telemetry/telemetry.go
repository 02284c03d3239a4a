// Package telemetry exposes Prometheus metrics for polling, delivery, and
// the HTTP surface.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfeed_polls_total",
			Help: "Total number of source polls, labeled by silo and outcome.",
		},
		[]string{"silo", "outcome"},
	)

	pollDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backfeed_poll_duration_seconds",
			Help:    "Histogram of poll durations, labeled by silo.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"silo"},
	)

	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfeed_responses_total",
			Help: "Total number of responses discovered, labeled by silo and type.",
		},
		[]string{"silo", "type"},
	)

	webmentionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfeed_webmentions_total",
			Help: "Total number of webmention delivery attempts, labeled by result.",
		},
		[]string{"result"},
	)

	webmentionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backfeed_webmention_duration_seconds",
			Help:    "Histogram of webmention send latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfeed_tasks_total",
			Help: "Total number of tasks processed, labeled by queue and status.",
		},
		[]string{"queue", "status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backfeed_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backfeed_rate_limit_delays_seconds",
			Help:    "Histogram of outbound rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePoll records metrics for a completed source poll.
func ObservePoll(silo, outcome string, duration time.Duration) {
	pollsTotal.WithLabelValues(silo, outcome).Inc()
	pollDurationSeconds.WithLabelValues(silo).Observe(duration.Seconds())
}

// ObserveResponse records a discovered response.
func ObserveResponse(silo, responseType string) {
	responsesTotal.WithLabelValues(silo, responseType).Inc()
}

// ObserveWebmention records a webmention delivery attempt.
func ObserveWebmention(result string, duration time.Duration) {
	webmentionsTotal.WithLabelValues(result).Inc()
	webmentionDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask records a task status change.
func ObserveTask(queue, status string) {
	tasksTotal.WithLabelValues(queue, status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
