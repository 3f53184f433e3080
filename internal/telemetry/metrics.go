// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec

	AdmissionQueueDepth prometheus.Gauge       // current admission queue occupancy
	AdmissionInFlight   prometheus.Gauge       // current global in-flight count

	CircuitBreakerState   *prometheus.GaugeVec   // labels: key_index; value encodes the state
	CircuitBreakerRejects *prometheus.CounterVec // labels: key_index
	RetryTotal            *prometheus.CounterVec // labels: error_kind
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmproxy",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmproxy",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmproxy",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmproxy",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmproxy",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		AdmissionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmproxy",
			Name:      "admission_queue_depth",
			Help:      "Current number of requests waiting in the admission queue.",
		}),

		AdmissionInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmproxy",
			Name:      "admission_in_flight",
			Help:      "Current number of requests admitted and in flight.",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmproxy",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per credential (0=closed, 1=open, 2=half_open).",
		}, []string{"key_index"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmproxy",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected because no credential was selectable.",
		}, []string{"key_index"}),

		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmproxy",
			Name:      "retry_total",
			Help:      "Total forwarder retries, labeled by the error kind that triggered them.",
		}, []string{"error_kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.AdmissionQueueDepth,
		m.AdmissionInFlight,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
		m.RetryTotal,
	)

	return m
}
