// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Breaker gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

type Metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	rateLimited        *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests by service, method and status.",
		}, []string{"service", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denied_total",
			Help: "Requests rejected by a rate limit policy.",
		}, []string{"policy"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker transitions per target and destination state.",
		}, []string{"target", "to"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requests,
		m.latency,
		m.rateLimited,
		m.breakerState,
		m.breakerTransitions,
	)
	return m
}

// Registry is the backing registry, handed to the admin /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncRequest(service, method, status string) {
	m.requests.WithLabelValues(service, method, status).Inc()
}

func (m *Metrics) ObserveLatency(service string, d time.Duration) {
	m.latency.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) IncRateLimited(policy string) {
	m.rateLimited.WithLabelValues(policy).Inc()
}

func (m *Metrics) SetBreakerState(target string, state float64) {
	m.breakerState.WithLabelValues(target).Set(state)
}

func (m *Metrics) IncBreakerTransition(target, to string) {
	m.breakerTransitions.WithLabelValues(target, to).Inc()
}
