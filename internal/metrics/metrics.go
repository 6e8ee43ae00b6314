// Package metrics exposes the bridge's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the collectors registered for one bridge.
type Metrics struct {
	buildInfo        *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	pending          prometheus.Gauge
	upstreamDuration *prometheus.HistogramVec
	sseFrames        *prometheus.CounterVec
	sessionResets    prometheus.Counter
	orphans          prometheus.Counter
	linkState        prometheus.Gauge
}

// New creates the collectors and registers them on reg. Go runtime and
// process collectors are added when withRuntime is set.
func New(reg prometheus.Registerer, withRuntime bool) *Metrics {
	m := &Metrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_bridge_build_info",
			Help: "Build information",
		}, []string{"date", "sha", "version"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_messages_total",
			Help: "Input messages handled, by kind and outcome",
		}, []string{"kind", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_bridge_pending_requests",
			Help: "Requests awaiting an upstream response",
		}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_bridge_upstream_duration_seconds",
			Help:    "Duration of upstream HTTP exchanges",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		sseFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_sse_frames_total",
			Help: "SSE frames carrying data, by result",
		}, []string{"result"}),
		sessionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_session_resets_total",
			Help: "Times a held upstream session token was dropped",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_orphan_payloads_total",
			Help: "Upstream payloads with no matching pending request",
		}),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_bridge_link_state",
			Help: "Upstream link state (0 disconnected, 1 connecting, 2 connected, 3 draining, 4 closed)",
		}),
	}
	reg.MustRegister(m.buildInfo, m.requests, m.pending, m.upstreamDuration,
		m.sseFrames, m.sessionResets, m.orphans, m.linkState)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// SetBuildInfo publishes the binary version.
func (m *Metrics) SetBuildInfo(version, sha, date string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// Message counts one input message. kind is request, notification,
// response or invalid; outcome is ok or a fault category.
func (m *Metrics) Message(kind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
}

// SetPending records the pending table size.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveUpstream records one HTTP exchange.
func (m *Metrics) ObserveUpstream(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// SSEFrame counts a frame as "ok" or "discarded".
func (m *Metrics) SSEFrame(result string) {
	if m == nil {
		return
	}
	m.sseFrames.WithLabelValues(result).Inc()
}

// SessionReset counts a dropped session token.
func (m *Metrics) SessionReset() {
	if m == nil {
		return
	}
	m.sessionResets.Inc()
}

// Orphan counts an unmatched upstream payload.
func (m *Metrics) Orphan() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// SetLinkState records the numeric link state.
func (m *Metrics) SetLinkState(v int) {
	if m == nil {
		return
	}
	m.linkState.Set(float64(v))
}
