package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oidcedge/edge"
)

const metricsNamespace = "oidcedge"

// Metrics holds the gateway collectors on a dedicated registry.
type Metrics struct {
	registry      *prometheus.Registry
	decisions     *prometheus.CounterVec
	tokenEndpoint *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors together with the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Request phase decisions by outcome.",
		}, []string{"outcome"}),
		tokenEndpoint: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "token_endpoint_request_duration_seconds",
			Help:      "Latency of token endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.tokenEndpoint,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDecision counts one request phase outcome.
func (m *Metrics) ObserveDecision(outcome edge.Outcome) {
	m.decisions.WithLabelValues(string(outcome)).Inc()
}

// InstrumentTransport wraps rt so every round trip lands in the token
// endpoint histogram.
func (m *Metrics) InstrumentTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperDuration(m.tokenEndpoint, rt)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
