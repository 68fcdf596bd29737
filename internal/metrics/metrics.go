// Package metrics exposes C12's Prometheus instrumentation surface
// (spec.md §7 / SPEC_FULL.md's C12 section): connection and relay
// throughput counters plus active-association/channel gauges, so an
// operator can see session volume and health without reading logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps the gateway's Prometheus collectors. The zero value is
// not usable; construct with New.
type Metrics struct {
	ConnectionsTotal    *prometheus.CounterVec
	AssociationsActive  prometheus.Gauge
	JMUXChannelsActive  prometheus.Gauge
	RelayBytesTotal     *prometheus.CounterVec
	TokenVerifyTotal    *prometheus.CounterVec
}

// New registers the gateway's collectors against reg and returns the
// handle used to update them. Callers typically pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total connections accepted, by protocol.",
		}, []string{"protocol"}),

		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_associations_active",
			Help: "Number of associations currently tracked by the registry.",
		}),

		JMUXChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jmux_channels_active",
			Help: "Number of JMUX channels currently open across all multiplexers.",
		}),

		RelayBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_bytes_total",
			Help: "Total bytes relayed, by direction (rx/tx).",
		}, []string{"direction"}),

		TokenVerifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_verify_total",
			Help: "Total token verification attempts, by result.",
		}, []string{"result"}),
	}
}

// IncConnections records one accepted connection for protocol (spec.md
// §4.3's sniff classification: "jet", "jmux", "http", "rdp", ...).
func (m *Metrics) IncConnections(protocol string) {
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// AddRelayBytes records n bytes relayed in direction ("rx" or "tx").
func (m *Metrics) AddRelayBytes(direction string, n float64) {
	m.RelayBytesTotal.WithLabelValues(direction).Add(n)
}

// IncTokenVerify records one token verification outcome ("ok" or a
// gwerrors.Kind string such as "expired", "bad_signature", ...).
func (m *Metrics) IncTokenVerify(result string) {
	m.TokenVerifyTotal.WithLabelValues(result).Inc()
}

// AddAssociation adjusts the active-association gauge by delta (+1 on
// register, -1 on terminate).
func (m *Metrics) AddAssociation(delta int) {
	m.AssociationsActive.Add(float64(delta))
}

// AddJMUXChannel adjusts the active-JMUX-channel gauge by delta (+1 on
// open, -1 on close).
func (m *Metrics) AddJMUXChannel(delta int) {
	m.JMUXChannelsActive.Add(float64(delta))
}
