// Package metrics holds the Prometheus instruments for one didmesh agent.
//
// Each agent owns its own registry so that several agents can run in one
// process (tests do this) without colliding on global collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "didmesh"

// Result label values shared by the counters below.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultSkipped = "skipped"
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
)

// Metrics groups the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	caRequests    *prometheus.CounterVec
	caLatency     *prometheus.HistogramVec
	tokenLookups  *prometheus.CounterVec
	challenges    *prometheus.CounterVec
	renewalCycles *prometheus.CounterVec
	gateDecisions *prometheus.CounterVec
	certExpiry    prometheus.Gauge
	verifiedPeers prometheus.Gauge
}

// New creates a Metrics instance backed by a fresh registry that also
// exports Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		caRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ca_requests_total",
			Help:      "Requests sent to the certificate authority, by operation and result.",
		}, []string{"op", "result"}),
		caLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ca_request_duration_seconds",
			Help:      "Latency of certificate authority requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		tokenLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups_total",
			Help:      "Verification token cache lookups, by result.",
		}, []string{"result"}),
		challenges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge-response events, by stage and result.",
		}, []string{"stage", "result"}),
		renewalCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_cycles_total",
			Help:      "Certificate renewal scheduler cycles, by result.",
		}, []string{"result"}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_gate_decisions_total",
			Help:      "Trust gate decisions on inbound requests.",
		}, []string{"result"}),
		certExpiry: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_not_after_seconds",
			Help:      "Unix time at which the active certificate expires.",
		}),
		verifiedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verified_peers",
			Help:      "Peers with a live verified connection.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCARequest records one CA call.
func (m *Metrics) ObserveCARequest(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.caRequests.WithLabelValues(op, result).Inc()
	m.caLatency.WithLabelValues(op).Observe(d.Seconds())
}

// TokenLookup records a token cache lookup outcome.
func (m *Metrics) TokenLookup(result string) {
	if m == nil {
		return
	}
	m.tokenLookups.WithLabelValues(result).Inc()
}

// Challenge records a challenge event; stage is "issue" or "verify".
func (m *Metrics) Challenge(stage, result string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(stage, result).Inc()
}

// RenewalCycle records the outcome of one scheduler cycle.
func (m *Metrics) RenewalCycle(result string) {
	if m == nil {
		return
	}
	m.renewalCycles.WithLabelValues(result).Inc()
}

// GateDecision records a trust gate decision.
func (m *Metrics) GateDecision(result string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(result).Inc()
}

// SetCertificateExpiry publishes the active certificate's NotAfter.
func (m *Metrics) SetCertificateExpiry(notAfter time.Time) {
	if m == nil {
		return
	}
	m.certExpiry.Set(float64(notAfter.Unix()))
}

// SetVerifiedPeers publishes the number of live verified peers.
func (m *Metrics) SetVerifiedPeers(n int) {
	if m == nil {
		return
	}
	m.verifiedPeers.Set(float64(n))
}
