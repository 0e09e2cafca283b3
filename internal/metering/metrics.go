package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed at GET /asap/metrics
// (spec.md §6), grounded on
// Generativebots-ocx-backend-go-svc/internal/escrow/metrics.go's
// promauto.NewCounterVec/HistogramVec struct-of-collectors pattern.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DispatchLatency *prometheus.HistogramVec
	CircuitBreaker  *prometheus.GaugeVec
}

// NewMetrics registers and returns the ASAP server's Prometheus
// collectors against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asap_requests_total",
				Help: "Total number of ASAP envelopes processed, by method and outcome.",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asap_request_duration_seconds",
				Help:    "End-to-end handling duration for an ASAP envelope.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asap_webhook_dispatch_latency_seconds",
				Help:    "Latency of webhook delivery attempts, including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"}, // outcome: delivered, dead_letter
		),
		CircuitBreaker: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asap_circuit_breaker_state",
				Help: "Circuit-breaker state per upstream (0=closed, 1=half_open, 2=open).",
			},
			[]string{"upstream"},
		),
	}
}

// RecordRequest records one completed envelope handling.
func (m *Metrics) RecordRequest(method, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordDispatch records one webhook delivery outcome.
func (m *Metrics) RecordDispatch(outcome string, durationSeconds float64) {
	m.DispatchLatency.WithLabelValues(outcome).Observe(durationSeconds)
}

// SetCircuitBreakerState records the current breaker state for upstream
// as a numeric gauge (0=closed, 1=half_open, 2=open).
func (m *Metrics) SetCircuitBreakerState(upstream string, state float64) {
	m.CircuitBreaker.WithLabelValues(upstream).Set(state)
}
