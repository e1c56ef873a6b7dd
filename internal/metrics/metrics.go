// Package metrics holds the relay's Prometheus collectors on a private
// registry, so embedded servers and tests never contend for global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the relay exports. Construct it once with
// New and share the instance; all collectors are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// SessionsActive counts live sessions, pending or active.
	SessionsActive prometheus.Gauge
	// LinksActive counts attached developer links.
	LinksActive prometheus.Gauge
	// RequestsTotal counts tunneled requests by terminal outcome.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration observes end-to-end latency of tunneled requests.
	RequestDuration prometheus.Histogram
	// UnknownResponses counts response frames whose requestId matched no
	// pending request. This is the only state kept for such frames.
	UnknownResponses prometheus.Counter
	// FramesDiscarded counts inbound frames dropped on receipt, by reason.
	FramesDiscarded *prometheus.CounterVec
}

// New builds the collector set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wingman_sessions_active",
			Help: "Live tunnel sessions (pending or active).",
		}),
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wingman_links_active",
			Help: "Attached developer links.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wingman_requests_total",
			Help: "Tunneled requests by terminal outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wingman_request_duration_seconds",
			Help:    "End-to-end latency of tunneled requests.",
			Buckets: prometheus.DefBuckets,
		}),
		UnknownResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wingman_unknown_response_frames_total",
			Help: "Response frames whose requestId matched no pending request.",
		}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wingman_frames_discarded_total",
			Help: "Inbound frames dropped on receipt, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.LinksActive,
		m.RequestsTotal,
		m.RequestDuration,
		m.UnknownResponses,
		m.FramesDiscarded,
	)
	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
