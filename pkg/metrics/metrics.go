// Package metrics exposes the gateway's Prometheus collectors. Everything is
// registered on a private registry so tests and embedded uses never collide
// with the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	PolicyDecisions   *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Tokens            *prometheus.CounterVec
	CostUSD           *prometheus.CounterVec
	Redactions        *prometheus.CounterVec
	ProviderFallbacks *prometheus.CounterVec
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_requests_total",
				Help: "Total requests served, by endpoint, provider, model, and status code",
			},
			[]string{"endpoint", "provider", "model", "status"},
		),
		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_policy_decisions_total",
				Help: "Policy decisions, by endpoint and decision outcome",
			},
			[]string{"endpoint", "decision"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "srg_request_duration_seconds",
				Help:    "End-to-end request latency",
				Buckets: latencyBuckets,
			},
			[]string{"endpoint", "provider", "model"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_tokens_total",
				Help: "Tokens processed, split by direction (input or output)",
			},
			[]string{"endpoint", "provider", "model", "direction"},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_cost_usd_total",
				Help: "Accumulated request cost in USD",
			},
			[]string{"endpoint", "provider", "model"},
		),
		Redactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_redactions_total",
				Help: "Redaction hits, by endpoint",
			},
			[]string{"endpoint"},
		),
		ProviderFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srg_provider_fallbacks_total",
				Help: "Provider fallback hops beyond the first attempt",
			},
			[]string{"provider"},
		),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestObservation aggregates everything one finished request contributes.
type RequestObservation struct {
	Endpoint         string
	Provider         string
	Model            string
	PolicyDecision   string
	StatusCode       string
	LatencySeconds   float64
	TokensIn         int
	TokensOut        int
	CostUSD          float64
	RedactionCount   int
	ProviderAttempts int
}

// RecordRequest records all metrics for a completed request.
func (m *Metrics) RecordRequest(obs RequestObservation) {
	m.Requests.WithLabelValues(obs.Endpoint, obs.Provider, obs.Model, obs.StatusCode).Inc()
	m.PolicyDecisions.WithLabelValues(obs.Endpoint, obs.PolicyDecision).Inc()
	m.RequestDuration.WithLabelValues(obs.Endpoint, obs.Provider, obs.Model).Observe(obs.LatencySeconds)

	if obs.TokensIn > 0 {
		m.Tokens.WithLabelValues(obs.Endpoint, obs.Provider, obs.Model, "input").Add(float64(obs.TokensIn))
	}
	if obs.TokensOut > 0 {
		m.Tokens.WithLabelValues(obs.Endpoint, obs.Provider, obs.Model, "output").Add(float64(obs.TokensOut))
	}
	if obs.CostUSD > 0 {
		m.CostUSD.WithLabelValues(obs.Endpoint, obs.Provider, obs.Model).Add(obs.CostUSD)
	}
	if obs.RedactionCount > 0 {
		m.Redactions.WithLabelValues(obs.Endpoint).Add(float64(obs.RedactionCount))
	}
	if obs.ProviderAttempts > 1 {
		m.ProviderFallbacks.WithLabelValues(obs.Provider).Add(float64(obs.ProviderAttempts - 1))
	}
}
