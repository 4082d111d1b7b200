package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stasm/todo/internal/domain"
)

// Metrics holds the prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Spawned     *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Cascades    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_items_spawned_total",
			Help: "Live items created from templates, by kind.",
		}, []string{"kind"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_transitions_total",
			Help: "Audit records written, by flag.",
		}, []string{"flag"}),
		Cascades: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todo_cascade_actions",
			Help:    "Audit records written by one mutation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Spawned, m.Transitions, m.Cascades)
	}
	return m
}

func (m *Metrics) ItemSpawned(kind domain.Kind) {
	if m == nil {
		return
	}
	m.Spawned.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Transition(flag domain.Flag) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(flag)).Inc()
}

func (m *Metrics) Cascade(op string, actions int) {
	if m == nil {
		return
	}
	m.Cascades.WithLabelValues(op).Observe(float64(actions))
}
