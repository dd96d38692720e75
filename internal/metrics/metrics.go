// Package metrics holds the Prometheus collectors for the reconciliation
// engine and the paper broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "futurestack"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so tests and the CLI can run without a registry.
type Metrics struct {
	Sweeps              prometheus.Counter
	SweepDuration       prometheus.Histogram
	PhaseFailures       *prometheus.CounterVec
	OrdersSpawned       prometheus.Counter
	RollOrders          prometheus.Counter
	CompletedOrders     prometheus.Counter
	Rollbacks           prometheus.Counter
	StaleLocksRecovered prometheus.Counter
	BrokerFills         prometheus.Counter
	SpawnsDeferred      prometheus.Counter
	PositionBreaks      prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed reconciliation sweeps.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one reconciliation sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PhaseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Units of work abandoned within a sweep phase.",
		}, []string{"phase"}),
		OrdersSpawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_spawned_total",
			Help:      "Contract orders spawned from instrument orders.",
		}),
		RollOrders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roll_orders_total",
			Help:      "Roll order sets placed on the stacks.",
		}),
		CompletedOrders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_orders_total",
			Help:      "Instrument orders retired after completion.",
		}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Stack transactions rolled back.",
		}),
		StaleLocksRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_locks_recovered_total",
			Help:      "Locks cleared or rolled back after exceeding their maximum age.",
		}),
		BrokerFills: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_fills_total",
			Help:      "Fills reported by the paper broker.",
		}),
		SpawnsDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_deferred_total",
			Help:      "Instrument orders held back by trade limits, counted once per order.",
		}),
		PositionBreaks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_breaks_total",
			Help:      "Instruments locked because strategy and contract positions disagree.",
		}),
	}
}

func (m *Metrics) PhaseFailed(phase string) {
	if m == nil {
		return
	}
	m.PhaseFailures.WithLabelValues(phase).Inc()
}

func (m *Metrics) SweepDone(seconds float64) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) Spawned(n int) {
	if m == nil {
		return
	}
	m.OrdersSpawned.Add(float64(n))
}

func (m *Metrics) RollPlaced() {
	if m == nil {
		return
	}
	m.RollOrders.Inc()
}

func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.CompletedOrders.Inc()
}

func (m *Metrics) RolledBack() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

func (m *Metrics) LockRecovered() {
	if m == nil {
		return
	}
	m.StaleLocksRecovered.Inc()
}

func (m *Metrics) Filled() {
	if m == nil {
		return
	}
	m.BrokerFills.Inc()
}

func (m *Metrics) SpawnDeferred() {
	if m == nil {
		return
	}
	m.SpawnsDeferred.Inc()
}

func (m *Metrics) PositionBreak() {
	if m == nil {
		return
	}
	m.PositionBreaks.Inc()
}
