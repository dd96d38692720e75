package broker

import (
	"context"
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
	"futurestack/internal/store"
)

type paperFixture struct {
	store     *store.SQLiteStore
	contracts *store.SQLiteOrderStack[*domain.ContractOrder]
	brokers   *store.SQLiteOrderStack[*domain.BrokerOrder]
	metrics   *metrics.Metrics
	broker    *PaperBroker
}

func newPaperFixture(t *testing.T) *paperFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "stacks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &paperFixture{
		store:     s,
		contracts: s.ContractStack("test"),
		brokers:   s.BrokerStack("test"),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.broker = NewPaperBroker(f.contracts, f.brokers, s, PaperConfig{
		Account:    "DU123",
		FillPrice:  decimal.NewFromInt(50),
		Commission: decimal.RequireFromString("2.5"),
	}, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *paperFixture) put(t *testing.T, contracts []string, trade domain.Quantities, mutate func(*domain.ContractOrder)) domain.OrderID {
	t.Helper()
	co, err := domain.NewContractOrder("carry", "GOLD", contracts, trade)
	require.NoError(t, err)
	if mutate != nil {
		mutate(co)
	}
	id, err := f.contracts.Put(context.Background(), co, false)
	require.NoError(t, err)
	return id
}

func TestPaperBrokerFillsNewOrders(t *testing.T) {
	f := newPaperFixture(t)
	ctx := context.Background()

	limitID := f.put(t, []string{"20250600"}, domain.Quantities{4}, func(co *domain.ContractOrder) {
		co.OrderType = domain.OrderTypeLimit
		co.LimitPrice = decimal.NewNullDecimal(decimal.RequireFromString("101.5"))
	})
	spreadID := f.put(t, []string{"20250600", "20250800"}, domain.Quantities{-2, 2}, func(co *domain.ContractOrder) {
		co.ReferencePrice = decimal.NewNullDecimal(decimal.NewFromInt(-10))
	})
	plainID := f.put(t, []string{"20250800"}, domain.Quantities{-1}, nil)

	require.NoError(t, f.broker.Poll(ctx))

	for id, want := range map[domain.OrderID]string{limitID: "101.5", spreadID: "-10", plainID: "50"} {
		co, err := f.contracts.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, co.IsCompleted(), "order %d", id)
		assert.True(t, co.FilledPrice.Decimal.Equal(decimal.RequireFromString(want)), "order %d price %s", id, co.FilledPrice.Decimal)
		require.Len(t, co.Children, 1)

		bo, err := f.brokers.Get(ctx, co.Children[0])
		require.NoError(t, err)
		assert.False(t, bo.Active)
		assert.Equal(t, "paper", bo.Broker)
		assert.Equal(t, "DU123", bo.BrokerAccount)
		assert.NotEmpty(t, bo.BrokerPermID)
		assert.Equal(t, co.Trade, bo.Fill)
		parent, ok := bo.ParentID()
		assert.True(t, ok)
		assert.Equal(t, id, parent)
	}

	spread, err := f.contracts.Get(ctx, spreadID)
	require.NoError(t, err)
	bo, err := f.brokers.Get(ctx, spread.Children[0])
	require.NoError(t, err)
	assert.True(t, bo.Commission.Decimal.Equal(decimal.NewFromInt(10)))

	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.BrokerFills))

	// Filled orders are not placed again.
	require.NoError(t, f.broker.Poll(ctx))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.BrokerFills))
}

func TestPaperBrokerAcknowledgesAmendments(t *testing.T) {
	f := newPaperFixture(t)
	ctx := context.Background()
	id := f.put(t, []string{"20250600"}, domain.Quantities{4}, nil)
	require.NoError(t, f.contracts.Modify(ctx, id, domain.Quantities{0}))

	require.NoError(t, f.broker.Poll(ctx))

	co, err := f.contracts.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ModificationComplete, co.ModificationStatus)
	assert.True(t, co.FillIsZero(), "amending orders are not filled")
	assert.Empty(t, co.Children)
}

func TestPaperBrokerSkipsLockedOrders(t *testing.T) {
	f := newPaperFixture(t)
	ctx := context.Background()
	id := f.put(t, []string{"20250600"}, domain.Quantities{4}, func(co *domain.ContractOrder) { co.Locked = true })

	require.NoError(t, f.broker.Poll(ctx))

	co, err := f.contracts.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, co.FillIsZero())
	ids, err := f.brokers.ActiveOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPaperBrokerSkipsLockedInstruments(t *testing.T) {
	f := newPaperFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.LockInstrument(ctx, "GOLD", "position break"))
	id := f.put(t, []string{"20250600"}, domain.Quantities{2}, nil)

	require.NoError(t, f.broker.Poll(ctx))
	co, err := f.contracts.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, co.IsNew())
	assert.Zero(t, testutil.ToFloat64(f.metrics.BrokerFills))

	require.NoError(t, f.store.UnlockInstrument(ctx, "GOLD"))
	require.NoError(t, f.broker.Poll(ctx))
	co, err = f.contracts.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, co.IsCompleted())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newPaperFixture(t)
	f.put(t, []string{"20250600"}, domain.Quantities{1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, Run(ctx, f.broker, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BrokerFills))
}
