package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestack/internal/domain"
	"futurestack/internal/metrics"
	"futurestack/internal/risk"
	"futurestack/internal/store"
)

const (
	priced  = "20250600"
	forward = "20250800"
)

var errInjected = errors.New("injected failure")

type harness struct {
	store       *store.SQLiteStore
	instruments InstrumentStack
	contracts   ContractStack
	history     *store.ParquetHistory
	limitCfg    risk.Limits
	limits      *risk.Limiter
	metrics     *metrics.Metrics
	engine      *Engine
}

type harnessOption func(*harness)

func withLimits(l risk.Limits) harnessOption {
	return func(h *harness) { h.limitCfg = l }
}

func wrapInstruments(wrap func(InstrumentStack) InstrumentStack) harnessOption {
	return func(h *harness) { h.instruments = wrap(h.instruments) }
}

func wrapContracts(wrap func(ContractStack) ContractStack) harnessOption {
	return func(h *harness) { h.contracts = wrap(h.contracts) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "stacks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:       s,
		instruments: s.InstrumentStack("test"),
		contracts:   s.ContractStack("test"),
		history:     store.NewParquetHistory(filepath.Join(dir, "history")),
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.limits = risk.NewLimiter(h.limitCfg, s)
	h.engine = NewEngine(Deps{
		Instruments: h.instruments,
		Contracts:   h.contracts,
		Positions:   s,
		History:     h.history,
		Limits:      h.limits,
		Rolls:       s,
		Locks:       s,
		Metrics:     h.metrics,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	h.setRollState(t, domain.NoRoll)
	return h
}

func (h *harness) setRollState(t *testing.T, state domain.RollState) {
	t.Helper()
	require.NoError(t, h.store.SetRollParameters(context.Background(), domain.RollParameters{
		Instrument:       "GOLD",
		State:            state,
		PricedContract:   priced,
		ForwardContract:  forward,
		PricedReference:  decimal.NewNullDecimal(decimal.NewFromInt(2000)),
		ForwardReference: decimal.NewNullDecimal(decimal.NewFromInt(2010)),
	}))
}

func (h *harness) submit(t *testing.T, strategy string, qty int64) domain.OrderID {
	t.Helper()
	id, err := h.instruments.Put(context.Background(), domain.NewInstrumentOrder(strategy, "GOLD", qty), false)
	require.NoError(t, err)
	return id
}

// placeSplit puts a parent with one outright child per contract, the way a
// passive roll split spreads an order.
func (h *harness) placeSplit(t *testing.T, strategy string, qty int64, legs map[string]int64) (domain.OrderID, []domain.OrderID) {
	t.Helper()
	parent := domain.NewInstrumentOrder(strategy, "GOLD", qty)
	var children []*domain.ContractOrder
	for _, contract := range []string{priced, forward} {
		q, ok := legs[contract]
		if !ok {
			continue
		}
		c, err := domain.NewContractOrder(strategy, "GOLD", []string{contract}, domain.Quantities{q})
		require.NoError(t, err)
		children = append(children, c)
	}
	placed, err := h.engine.addParentAndChildren(context.Background(), parent, children)
	require.NoError(t, err)
	require.True(t, placed)

	got, err := h.instruments.Get(context.Background(), parent.ID)
	require.NoError(t, err)
	return parent.ID, got.Children
}

func (h *harness) instrument(t *testing.T, id domain.OrderID) *domain.InstrumentOrder {
	t.Helper()
	o, err := h.instruments.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) contract(t *testing.T, id domain.OrderID) *domain.ContractOrder {
	t.Helper()
	o, err := h.contracts.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) fill(t *testing.T, id domain.OrderID, qty domain.Quantities, price string) {
	t.Helper()
	p := decimal.NewNullDecimal(decimal.RequireFromString(price))
	require.NoError(t, h.contracts.ChangeFill(context.Background(), id, qty, p, time.Now()))
}

func (h *harness) used(t *testing.T) int64 {
	t.Helper()
	n, err := h.limits.Used(context.Background(), "GOLD")
	require.NoError(t, err)
	return n
}

func (h *harness) assertPositions(t *testing.T, strategy string, want int64, contracts map[string]int64) {
	t.Helper()
	ctx := context.Background()
	pos, err := h.store.StrategyPosition(ctx, strategy, "GOLD")
	require.NoError(t, err)
	assert.Equal(t, want, pos, "strategy position")
	for contract, want := range contracts {
		pos, err := h.store.ContractPosition(ctx, "GOLD", contract)
		require.NoError(t, err)
		assert.Equal(t, want, pos, "contract %s position", contract)
	}
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ---------------------------------------------------------------------------
// Spawn
// ---------------------------------------------------------------------------

func TestSweepSpawnsAndAggregatesPartialFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "carry", 10)

	require.NoError(t, h.engine.Sweep(ctx))
	parent := h.instrument(t, id)
	require.Len(t, parent.Children, 1)
	child := h.contract(t, parent.Children[0])
	assert.Equal(t, []string{priced}, child.ContractIDs)
	assert.Equal(t, domain.Quantities{10}, child.Trade)
	assert.False(t, child.Locked)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.OrdersSpawned))

	h.fill(t, child.ID, domain.Quantities{6}, "101.5")
	require.NoError(t, h.engine.Sweep(ctx))

	parent = h.instrument(t, id)
	assert.Equal(t, domain.Quantities{6}, parent.Fill)
	assert.True(t, parent.FilledPrice.Decimal.Equal(price("101.5")))
	assert.False(t, parent.IsCompleted())
	assert.True(t, parent.Active)

	completed, err := h.contracts.CompletedOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestSpawnIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "carry", 5)

	require.NoError(t, h.engine.SpawnChildren(ctx))
	require.NoError(t, h.engine.SpawnChildren(ctx))
	require.NoError(t, h.engine.spawnChildrenFor(ctx, id))

	ids, err := h.contracts.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Len(t, h.instrument(t, id).Children, 1)
}

func TestSpawnDeferredByTradeLimit(t *testing.T) {
	h := newHarness(t, withLimits(risk.Limits{DefaultMax: 5}))
	ctx := context.Background()
	id := h.submit(t, "carry", 10)

	require.NoError(t, h.engine.SpawnChildren(ctx))
	assert.Empty(t, h.instrument(t, id).Children)
	assert.Zero(t, h.used(t))

	small := h.submit(t, "trend", -4)
	require.NoError(t, h.engine.SpawnChildren(ctx))
	assert.Len(t, h.instrument(t, small).Children, 1)
	assert.Equal(t, int64(4), h.used(t))
}

func TestSpawnWaitsDuringForcedRoll(t *testing.T) {
	h := newHarness(t)
	h.setRollState(t, domain.Force)
	id := h.submit(t, "carry", 3)

	require.NoError(t, h.engine.SpawnChildren(context.Background()))
	assert.True(t, h.instrument(t, id).IsNew())
}

// ---------------------------------------------------------------------------
// Stack transactions
// ---------------------------------------------------------------------------

type failingInstruments struct {
	InstrumentStack
	failAddChildren bool
	failRollback    bool
}

func (f *failingInstruments) AddChildren(ctx context.Context, id domain.OrderID, children []domain.OrderID) error {
	if f.failAddChildren {
		return errInjected
	}
	return f.InstrumentStack.AddChildren(ctx, id, children)
}

func (f *failingInstruments) Rollback(ctx context.Context, ids []domain.OrderID) error {
	if f.failRollback {
		return fmt.Errorf("%w: %w", domain.ErrRollbackFailed, errInjected)
	}
	return f.InstrumentStack.Rollback(ctx, ids)
}

// failingContracts fails inserting the n-th contract order.
type failingContracts struct {
	ContractStack
	failOn int
	puts   int
}

func (f *failingContracts) PutList(ctx context.Context, orders []*domain.ContractOrder, unlock bool) ([]domain.OrderID, error) {
	var ids []domain.OrderID
	for _, o := range orders {
		f.puts++
		if f.puts == f.failOn {
			return nil, errors.Join(errInjected, f.ContractStack.Rollback(ctx, ids))
		}
		o.Locked = true
		id, err := f.ContractStack.Put(ctx, o, false)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func TestRollPlacementRollsBackWhenChildInsertFails(t *testing.T) {
	h := newHarness(t, wrapContracts(func(c ContractStack) ContractStack {
		return &failingContracts{ContractStack: c, failOn: 2}
	}))
	ctx := context.Background()
	h.setRollState(t, domain.ForceOutright)
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 3))

	require.NoError(t, h.engine.GenerateRollOrders(ctx))

	for _, stack := range []interface {
		ActiveOrderIDs(context.Context) ([]domain.OrderID, error)
	}{h.instruments, h.contracts} {
		ids, err := stack.ActiveOrderIDs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Rollbacks))
	assert.Zero(t, testutil.ToFloat64(h.metrics.RollOrders))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseRolls)))
}

func TestRollPlacementRollsBackWhenLinkFails(t *testing.T) {
	h := newHarness(t, wrapInstruments(func(s InstrumentStack) InstrumentStack {
		return &failingInstruments{InstrumentStack: s, failAddChildren: true}
	}))
	ctx := context.Background()
	h.setRollState(t, domain.Force)
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 3))

	require.NoError(t, h.engine.GenerateRollOrders(ctx))

	ids, err := h.instruments.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = h.contracts.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFailedRollbackIsFatal(t *testing.T) {
	h := newHarness(t, wrapInstruments(func(s InstrumentStack) InstrumentStack {
		return &failingInstruments{InstrumentStack: s, failAddChildren: true, failRollback: true}
	}))
	ctx := context.Background()
	h.setRollState(t, domain.Force)
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 3))

	err := h.engine.Sweep(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestSpawnUnlocksParentWhenChildInsertFails(t *testing.T) {
	h := newHarness(t, wrapContracts(func(c ContractStack) ContractStack {
		return &failingContracts{ContractStack: c, failOn: 1}
	}))
	ctx := context.Background()
	id := h.submit(t, "carry", 4)

	require.NoError(t, h.engine.SpawnChildren(ctx))
	parent := h.instrument(t, id)
	assert.False(t, parent.Locked)
	assert.Empty(t, parent.Children)
	assert.Zero(t, h.used(t))
}

// ---------------------------------------------------------------------------
// Rolls
// ---------------------------------------------------------------------------

func TestForcedRollIsPlacedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setRollState(t, domain.Force)
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 3))

	require.NoError(t, h.engine.GenerateRollOrders(ctx))
	require.NoError(t, h.engine.GenerateRollOrders(ctx))

	ids, err := h.instruments.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	parent := h.instrument(t, ids[0])
	assert.Equal(t, domain.RollPseudoStrategy, parent.StrategyName)
	assert.True(t, parent.RollOrder)
	assert.True(t, parent.IsZeroTrade())
	require.Len(t, parent.Children, 1)

	spread := h.contract(t, parent.Children[0])
	assert.Equal(t, []string{priced, forward}, spread.ContractIDs)
	assert.Equal(t, domain.Quantities{-3, 3}, spread.Trade)
	assert.True(t, spread.RollOrder)
	assert.True(t, spread.ReferencePrice.Decimal.Equal(decimal.NewFromInt(-10)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RollOrders))
}

func TestCompletedRollMovesContractPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setRollState(t, domain.ForceOutright)
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, -2))

	require.NoError(t, h.engine.Sweep(ctx))
	ids, err := h.contracts.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		c := h.contract(t, id)
		assert.True(t, c.InterSpread)
		h.fill(t, id, c.Trade, "2005")
	}

	require.NoError(t, h.engine.Sweep(ctx))

	pos, err := h.store.ContractPosition(ctx, "GOLD", priced)
	require.NoError(t, err)
	assert.Zero(t, pos)
	pos, err = h.store.ContractPosition(ctx, "GOLD", forward)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), pos)
	pos, err = h.store.StrategyPosition(ctx, domain.RollPseudoStrategy, "GOLD")
	require.NoError(t, err)
	assert.Zero(t, pos)

	active, err := h.instruments.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRollOrdersRejectSameContract(t *testing.T) {
	_, _, err := rollOrders(domain.RollParameters{
		Instrument: "GOLD", State: domain.Force, PricedContract: priced, ForwardContract: priced,
	}, 2)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Amendments
// ---------------------------------------------------------------------------

func TestAmendmentOfUnspawnedOrderAppliesAtOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "carry", 10)
	require.NoError(t, h.instruments.Modify(ctx, id, domain.Quantities{3}))

	require.NoError(t, h.engine.PropagateAmendmentsDown(ctx))
	o := h.instrument(t, id)
	assert.Equal(t, domain.Quantities{3}, o.Trade)
	assert.Equal(t, domain.NotModifying, o.ModificationStatus)
}

func TestSingleChildAmendmentRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "carry", 10)
	require.NoError(t, h.engine.Sweep(ctx))
	assert.Equal(t, int64(10), h.used(t))

	require.NoError(t, h.instruments.Modify(ctx, id, domain.Quantities{4}))
	require.NoError(t, h.engine.Sweep(ctx))
	childID := h.instrument(t, id).Children[0]
	child := h.contract(t, childID)
	assert.Equal(t, domain.BeingModified, child.ModificationStatus)
	assert.Equal(t, domain.Quantities{4}, child.ModificationQuantity)

	// A repeat sweep must not fail on the child's pending amendment.
	require.NoError(t, h.engine.PropagateAmendmentsDown(ctx))
	assert.Zero(t, testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseAmendDown)))

	require.NoError(t, h.contracts.CompleteModification(ctx, childID))
	require.NoError(t, h.engine.Sweep(ctx))

	parent := h.instrument(t, id)
	assert.Equal(t, domain.Quantities{4}, parent.Trade)
	assert.Equal(t, domain.NotModifying, parent.ModificationStatus)
	assert.Equal(t, domain.Quantities{4}, h.contract(t, childID).Trade)
	assert.Equal(t, int64(4), h.used(t))
}

func TestMultiChildAmendmentRejectedWithoutContactingChildren(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	require.NoError(t, h.instruments.Modify(ctx, id, domain.Quantities{5}))

	require.NoError(t, h.engine.PropagateAmendmentsDown(ctx))

	assert.Equal(t, domain.ModificationRejected, h.instrument(t, id).ModificationStatus)
	for _, c := range children {
		child := h.contract(t, c)
		assert.Equal(t, domain.NotModifying, child.ModificationStatus)
		assert.Nil(t, child.ModificationQuantity)
	}

	require.NoError(t, h.engine.ClearRejectedAmendments(ctx))
	parent := h.instrument(t, id)
	assert.Equal(t, domain.NotModifying, parent.ModificationStatus)
	assert.Equal(t, domain.Quantities{10}, parent.Trade)
}

func TestFullCancelOfMultiChildOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	_, err := h.instruments.Cancel(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.engine.Sweep(ctx))
	for _, c := range children {
		child := h.contract(t, c)
		require.Equal(t, domain.BeingModified, child.ModificationStatus)
		assert.Equal(t, domain.Quantities{0}, child.ModificationQuantity)
		require.NoError(t, h.contracts.CompleteModification(ctx, c))
	}

	require.NoError(t, h.engine.Sweep(ctx))

	parent := h.instrument(t, id)
	assert.False(t, parent.Active, "cancelled tree is retired")
	assert.Equal(t, domain.Quantities{0}, parent.Trade)
	for _, c := range children {
		assert.False(t, h.contract(t, c).Active)
	}
}

func TestRejectionFansOutToSiblingsAndParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	_, err := h.instruments.Cancel(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.engine.PropagateAmendmentsDown(ctx))

	require.NoError(t, h.contracts.RejectModification(ctx, children[0]))
	require.NoError(t, h.engine.PropagateRejectionUp(ctx))

	assert.Equal(t, domain.ModificationRejected, h.instrument(t, id).ModificationStatus)
	for _, c := range children {
		assert.Equal(t, domain.ModificationRejected, h.contract(t, c).ModificationStatus)
	}

	require.NoError(t, h.engine.ClearRejectedAmendments(ctx))
	assert.Equal(t, domain.Quantities{10}, h.instrument(t, id).Trade)
	for _, c := range children {
		child := h.contract(t, c)
		assert.Equal(t, domain.NotModifying, child.ModificationStatus)
	}
}

func TestOrphanedChildIsAbandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	parentID := h.submit(t, "carry", 5)

	c, err := domain.NewContractOrder("carry", "GOLD", []string{priced}, domain.Quantities{5})
	require.NoError(t, err)
	require.NoError(t, c.SetParent(parentID))
	childID, err := h.contracts.Put(ctx, c, false)
	require.NoError(t, err)
	require.NoError(t, h.contracts.Modify(ctx, childID, domain.Quantities{2}))
	require.NoError(t, h.contracts.CompleteModification(ctx, childID))

	require.NoError(t, h.engine.PropagateCompletionUp(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseCompletionUp)))
	assert.Equal(t, domain.NotModifying, h.instrument(t, parentID).ModificationStatus)
}

// ---------------------------------------------------------------------------
// Fills and completion
// ---------------------------------------------------------------------------

func TestDistributedFillsAreAggregated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})

	h.fill(t, children[0], domain.Quantities{4}, "100")
	h.fill(t, children[1], domain.Quantities{3}, "103")
	require.NoError(t, h.engine.AggregateFills(ctx))

	parent := h.instrument(t, id)
	assert.Equal(t, domain.Quantities{7}, parent.Fill)
	want := decimal.NewFromInt(709).Div(decimal.NewFromInt(7))
	assert.True(t, parent.FilledPrice.Decimal.Equal(want), "price %s", parent.FilledPrice.Decimal)
}

func TestSpreadFillsAreNotAggregated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 2, map[string]int64{priced: -3, forward: 5})

	h.fill(t, children[0], domain.Quantities{-3}, "100")
	require.NoError(t, h.engine.AggregateFills(ctx))

	assert.True(t, h.instrument(t, id).FillIsZero())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseFills)))
}

func TestCompletionWaitsForEveryChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})

	h.fill(t, children[0], domain.Quantities{4}, "100")
	require.NoError(t, h.engine.Sweep(ctx))
	assert.True(t, h.instrument(t, id).Active)
	assert.True(t, h.contract(t, children[0]).Active)

	h.fill(t, children[1], domain.Quantities{6}, "100")
	require.NoError(t, h.engine.Sweep(ctx))

	parent := h.instrument(t, id)
	assert.False(t, parent.Active)
	assert.Equal(t, domain.Quantities{10}, parent.Fill)
	for _, c := range children {
		assert.False(t, h.contract(t, c).Active)
	}

	pos, err := h.store.StrategyPosition(ctx, "carry", "GOLD")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	pos, err = h.store.ContractPosition(ctx, "GOLD", forward)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	records, err := h.history.ReadOrders(ctx, domain.TierContract, time.Now())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	records, err = h.history.ReadOrders(ctx, domain.TierInstrument, time.Now())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CompletedOrders))

	// A retired tree is not completed twice.
	require.NoError(t, h.engine.Sweep(ctx))
	pos, err = h.store.StrategyPosition(ctx, "carry", "GOLD")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
}

// ---------------------------------------------------------------------------
// Stale locks
// ---------------------------------------------------------------------------

func TestRecoverStaleLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A roll interrupted after its children were inserted but before linking.
	roll := domain.NewInstrumentOrder(domain.RollPseudoStrategy, "GOLD", 0)
	roll.RollOrder = true
	roll.Locked = true
	rollID, err := h.instruments.Put(ctx, roll, true)
	require.NoError(t, err)
	spread, err := domain.NewContractOrder(domain.RollPseudoStrategy, "GOLD", []string{priced, forward}, domain.Quantities{-1, 1})
	require.NoError(t, err)
	require.NoError(t, spread.SetParent(rollID))
	orphans, err := h.contracts.PutList(ctx, []*domain.ContractOrder{spread}, false)
	require.NoError(t, err)

	// A strategy order whose spawn died after locking it.
	stuckID := h.submit(t, "carry", 5)
	require.NoError(t, h.instruments.Lock(ctx, stuckID))

	// A linked child that was never unlocked.
	linkedID, linked := h.placeSplit(t, "trend", 2, map[string]int64{priced: 2})
	require.NoError(t, h.contracts.Lock(ctx, linked[0]))

	// Fresh locks are left alone.
	require.NoError(t, h.engine.RecoverStaleLocks(ctx))
	assert.True(t, h.instrument(t, stuckID).Locked)

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, h.engine.RecoverStaleLocks(ctx))

	_, err = h.instruments.Get(ctx, rollID)
	assert.ErrorIs(t, err, domain.ErrMissingOrder)
	_, err = h.contracts.Get(ctx, orphans[0])
	assert.ErrorIs(t, err, domain.ErrMissingOrder)

	stuck := h.instrument(t, stuckID)
	assert.False(t, stuck.Locked)
	assert.True(t, stuck.IsNew())

	assert.False(t, h.contract(t, linked[0]).Locked)
	assert.True(t, h.instrument(t, linkedID).Active)
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.StaleLocksRecovered))
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "carry", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.engine.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.NoError(t, h.engine.Run(ctx, 10*time.Millisecond))
	assert.Positive(t, testutil.ToFloat64(h.metrics.Sweeps))
}

// ---------------------------------------------------------------------------
// Partial failures
// ---------------------------------------------------------------------------

// faults fails the next n calls for an order id.
type faults map[domain.OrderID]int

func (f faults) next(id domain.OrderID) error {
	if f[id] == 0 {
		return nil
	}
	f[id]--
	return fmt.Errorf("order %d: %w", id, errInjected)
}

type flakyInstruments struct {
	InstrumentStack
	deactivate faults
}

func (f *flakyInstruments) Deactivate(ctx context.Context, id domain.OrderID) error {
	if err := f.deactivate.next(id); err != nil {
		return err
	}
	return f.InstrumentStack.Deactivate(ctx, id)
}

type flakyContracts struct {
	ContractStack
	deactivate faults
	clear      faults
}

func (f *flakyContracts) Deactivate(ctx context.Context, id domain.OrderID) error {
	if err := f.deactivate.next(id); err != nil {
		return err
	}
	return f.ContractStack.Deactivate(ctx, id)
}

func (f *flakyContracts) ClearModification(ctx context.Context, id domain.OrderID) error {
	if err := f.clear.next(id); err != nil {
		return err
	}
	return f.ContractStack.ClearModification(ctx, id)
}

func withFlakyInstruments(f *flakyInstruments) harnessOption {
	return wrapInstruments(func(s InstrumentStack) InstrumentStack {
		f.InstrumentStack = s
		return f
	})
}

func withFlakyContracts(f *flakyContracts) harnessOption {
	return wrapContracts(func(s ContractStack) ContractStack {
		f.ContractStack = s
		return f
	})
}

func TestCompletionResumesAfterChildDeactivateFails(t *testing.T) {
	flaky := &flakyContracts{}
	h := newHarness(t, withFlakyContracts(flaky))
	ctx := context.Background()
	id := h.submit(t, "carry", 10)
	require.NoError(t, h.engine.Sweep(ctx))
	childID := h.instrument(t, id).Children[0]

	flaky.deactivate = faults{childID: 1}
	h.fill(t, childID, domain.Quantities{10}, "100")
	require.NoError(t, h.engine.Sweep(ctx))

	parent := h.instrument(t, id)
	assert.True(t, parent.Active)
	assert.False(t, parent.Locked, "parent is unlocked after the failure")
	assert.True(t, h.contract(t, childID).Active)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseCompletions)))
	h.assertPositions(t, "carry", 10, map[string]int64{priced: 10})

	require.NoError(t, h.engine.Sweep(ctx))
	assert.False(t, h.instrument(t, id).Active)
	assert.False(t, h.contract(t, childID).Active)
	h.assertPositions(t, "carry", 10, map[string]int64{priced: 10})
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CompletedOrders))

	records, err := h.history.ReadOrders(ctx, domain.TierContract, time.Now())
	require.NoError(t, err)
	assert.Len(t, records, 1, "history merges the repeated archive")

	require.NoError(t, h.engine.CheckPositionBreaks(ctx))
	assert.Zero(t, testutil.ToFloat64(h.metrics.PositionBreaks))
}

func TestCompletionResumesAfterSecondChildDeactivateFails(t *testing.T) {
	flaky := &flakyContracts{}
	h := newHarness(t, withFlakyContracts(flaky))
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	flaky.deactivate = faults{children[1]: 1}

	h.fill(t, children[0], domain.Quantities{4}, "100")
	h.fill(t, children[1], domain.Quantities{6}, "101")
	require.NoError(t, h.engine.Sweep(ctx))

	assert.True(t, h.instrument(t, id).Active)
	assert.False(t, h.contract(t, children[0]).Active)
	assert.True(t, h.contract(t, children[1]).Active)

	require.NoError(t, h.engine.Sweep(ctx))
	assert.False(t, h.instrument(t, id).Active)
	assert.False(t, h.contract(t, children[1]).Active)
	h.assertPositions(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
}

func TestCompletionResumesAfterParentDeactivateFails(t *testing.T) {
	flaky := &flakyInstruments{}
	h := newHarness(t, withFlakyInstruments(flaky))
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	flaky.deactivate = faults{id: 1}

	h.fill(t, children[0], domain.Quantities{4}, "100")
	h.fill(t, children[1], domain.Quantities{6}, "101")
	require.NoError(t, h.engine.Sweep(ctx))

	parent := h.instrument(t, id)
	assert.True(t, parent.Active)
	assert.False(t, parent.Locked)
	for _, c := range children {
		assert.False(t, h.contract(t, c).Active)
	}

	require.NoError(t, h.engine.Sweep(ctx))
	assert.False(t, h.instrument(t, id).Active)
	h.assertPositions(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CompletedOrders))
}

func TestClearingCompletedAmendmentResumesAfterChildClearFails(t *testing.T) {
	flaky := &flakyContracts{}
	h := newHarness(t, withFlakyContracts(flaky))
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	_, err := h.instruments.Cancel(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.engine.Sweep(ctx))
	for _, c := range children {
		require.NoError(t, h.contracts.CompleteModification(ctx, c))
	}
	flaky.clear = faults{children[1]: 1}

	require.NoError(t, h.engine.Sweep(ctx))
	assert.Equal(t, domain.NotModifying, h.contract(t, children[0]).ModificationStatus)
	assert.Equal(t, domain.ModificationComplete, h.contract(t, children[1]).ModificationStatus)
	assert.Equal(t, domain.ModificationComplete, h.instrument(t, id).ModificationStatus)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseClearComplete)))

	require.NoError(t, h.engine.Sweep(ctx))
	parent := h.instrument(t, id)
	assert.Equal(t, domain.Quantities{0}, parent.Trade)
	assert.False(t, parent.Active, "cancelled tree is retired")
	for _, c := range children {
		child := h.contract(t, c)
		assert.Equal(t, domain.Quantities{0}, child.Trade)
		assert.False(t, child.Active)
	}
}

func TestClearingRejectedAmendmentResumesAfterChildClearFails(t *testing.T) {
	flaky := &flakyContracts{}
	h := newHarness(t, withFlakyContracts(flaky))
	ctx := context.Background()
	id, children := h.placeSplit(t, "carry", 10, map[string]int64{priced: 4, forward: 6})
	_, err := h.instruments.Cancel(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.engine.PropagateAmendmentsDown(ctx))
	require.NoError(t, h.contracts.RejectModification(ctx, children[0]))
	flaky.clear = faults{children[1]: 1}

	require.NoError(t, h.engine.Sweep(ctx))
	assert.Equal(t, domain.ModificationRejected, h.instrument(t, id).ModificationStatus)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PhaseFailures.WithLabelValues(phaseClearRejected)))

	require.NoError(t, h.engine.Sweep(ctx))
	parent := h.instrument(t, id)
	assert.Equal(t, domain.NotModifying, parent.ModificationStatus)
	assert.Equal(t, domain.Quantities{10}, parent.Trade)
	assert.True(t, parent.Active)
	for i, want := range []int64{4, 6} {
		child := h.contract(t, children[i])
		assert.Equal(t, domain.NotModifying, child.ModificationStatus)
		assert.Equal(t, domain.Quantities{want}, child.Trade)
	}
}

// ---------------------------------------------------------------------------
// Position breaks and deferrals
// ---------------------------------------------------------------------------

func TestPositionBreakLocksInstrument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpdateStrategyPosition(ctx, "carry", "GOLD", 5))
	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 3))

	require.NoError(t, h.engine.CheckPositionBreaks(ctx))
	require.NoError(t, h.engine.CheckPositionBreaks(ctx))
	locked, err := h.store.InstrumentLocked(ctx, "GOLD")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PositionBreaks), "a held lock is not reported again")

	id := h.submit(t, "carry", 2)
	require.NoError(t, h.engine.Sweep(ctx))
	assert.True(t, h.instrument(t, id).IsNew(), "no spawning in a locked instrument")

	require.NoError(t, h.store.UpdateContractPosition(ctx, "GOLD", priced, 2))
	require.NoError(t, h.store.UnlockInstrument(ctx, "GOLD"))
	require.NoError(t, h.engine.Tick(ctx))
	assert.Len(t, h.instrument(t, id).Children, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PositionBreaks))
}

func TestSpawnDeferralReportedOnce(t *testing.T) {
	h := newHarness(t, withLimits(risk.Limits{DefaultMax: 5}))
	ctx := context.Background()
	id := h.submit(t, "carry", 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.SpawnChildren(ctx))
	}
	assert.Empty(t, h.instrument(t, id).Children)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SpawnsDeferred))

	require.NoError(t, h.instruments.Modify(ctx, id, domain.Quantities{4}))
	require.NoError(t, h.engine.Sweep(ctx))
	require.NoError(t, h.engine.Sweep(ctx))
	assert.Len(t, h.instrument(t, id).Children, 1)
	assert.Empty(t, h.engine.deferred)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SpawnsDeferred))
}
