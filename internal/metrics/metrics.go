// Package metrics exposes Prometheus collectors for the gateway.
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
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "route"},
	)

	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probgate_invocations_total",
			Help: "Total number of engine invocations, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	engineInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probgate_engine_in_flight",
			Help: "Number of engine processes currently running.",
		},
	)

	engineDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "probgate_engine_duration_seconds",
			Help:    "Histogram of engine process wall-clock durations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probgate_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		},
	)

	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probgate_audit_dropped_total",
			Help: "Invocation records dropped because the audit queue was full.",
		},
	)

	auditFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probgate_audit_failures_total",
			Help: "Audit pipeline failures, labeled by stage.",
		},
		[]string{"stage"},
	)

	auditActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probgate_audit_active_workers",
			Help: "Number of audit workers currently processing a record.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveInvocation counts a finished invocation.
func ObserveInvocation(outcome string) {
	invocationsTotal.WithLabelValues(outcome).Inc()
}

// IncEngineInFlight marks an engine process as started.
func IncEngineInFlight() {
	engineInFlight.Inc()
}

// DecEngineInFlight marks an engine process as exited.
func DecEngineInFlight() {
	engineInFlight.Dec()
}

// ObserveEngineDuration records how long an engine process ran.
func ObserveEngineDuration(d time.Duration) {
	engineDurationSeconds.Observe(d.Seconds())
}

// ObserveRateLimited counts a request rejected with 429.
func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}

// ObserveAuditDropped counts a record that never reached the audit queue.
func ObserveAuditDropped() {
	auditDroppedTotal.Inc()
}

// ObserveAuditFailure counts a failed audit stage (archive, record, publish).
func ObserveAuditFailure(stage string) {
	auditFailuresTotal.WithLabelValues(stage).Inc()
}

// IncActiveWorkers increments the active audit workers gauge.
func IncActiveWorkers() {
	auditActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active audit workers gauge.
func DecActiveWorkers() {
	auditActiveWorkers.Dec()
}
