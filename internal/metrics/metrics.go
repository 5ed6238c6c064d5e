// Package metrics exposes the collaboration engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	sessions          prometheus.Gauge
	operations        *prometheus.CounterVec
	conflictsDetected prometheus.Counter
	conflictsResolved *prometheus.CounterVec
	lagged            prometheus.Counter
	races             prometheus.Counter
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cowrite_sessions_active",
			Help: "Number of active collaboration sessions on this node.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowrite_operations_total",
			Help: "Sequenced operations by kind.",
		}, []string{"kind"}),
		conflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowrite_conflicts_detected_total",
			Help: "Conflicts opened by concurrent overlapping edits.",
		}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowrite_conflicts_resolved_total",
			Help: "Conflicts resolved by strategy.",
		}, []string{"strategy"}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowrite_broadcast_lagged_total",
			Help: "Subscriptions dropped because their outbound queue overflowed.",
		}),
		races: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowrite_session_races_total",
			Help: "Joins that raced a session being created for the same document.",
		}),
	}
	reg.MustRegister(m.sessions, m.operations, m.conflictsDetected, m.conflictsResolved, m.lagged, m.races)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Operation(kind string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConflictDetected() {
	if m == nil {
		return
	}
	m.conflictsDetected.Inc()
}

func (m *Metrics) ConflictResolved(strategy string) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(strategy).Inc()
}

func (m *Metrics) Lagged() {
	if m == nil {
		return
	}
	m.lagged.Inc()
}

func (m *Metrics) SessionRace() {
	if m == nil {
		return
	}
	m.races.Inc()
}
