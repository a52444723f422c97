// Package metrics holds prometheus collectors of the sync service.
// All methods are safe to call on nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "watchparty"

type Metrics struct {
	viewers  *prometheus.GaugeVec
	commands *prometheus.CounterVec
	rejected *prometheus.CounterVec
	evicted  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Number of connected peers per session.",
		}, []string{"session"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands applied per session and type.",
		}, []string{"session", "type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Commands dropped per session and reason.",
		}, []string{"session", "reason"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers disconnected because delivery to them failed.",
		}, []string{"session"}),
	}
	reg.MustRegister(m.viewers, m.commands, m.rejected, m.evicted)
	return m
}

func (m *Metrics) SetViewers(session string, n int) {
	if m == nil {
		return
	}
	m.viewers.WithLabelValues(session).Set(float64(n))
}

func (m *Metrics) CommandApplied(session, typ string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(session, typ).Inc()
}

func (m *Metrics) CommandRejected(session, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(session, reason).Inc()
}

func (m *Metrics) PeerEvicted(session string) {
	if m == nil {
		return
	}
	m.evicted.WithLabelValues(session).Inc()
}
