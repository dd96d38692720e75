package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SweepDone(0.2)
	m.PhaseFailed("fills")
	m.PhaseFailed("fills")
	m.Spawned(3)
	m.SpawnDeferred()
	m.PositionBreak()

	if got := testutil.ToFloat64(m.Sweeps); got != 1 {
		t.Errorf("sweeps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PhaseFailures.WithLabelValues("fills")); got != 2 {
		t.Errorf("fills failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OrdersSpawned); got != 3 {
		t.Errorf("spawned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.SpawnsDeferred); got != 1 {
		t.Errorf("deferred = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PositionBreaks); got != 1 {
		t.Errorf("position breaks = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SweepDone(1)
	m.PhaseFailed("spawn")
	m.RolledBack()
	m.SpawnDeferred()
	m.PositionBreak()
}
