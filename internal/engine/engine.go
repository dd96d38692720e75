// Package engine reconciles the instrument and contract order stacks: it
// spawns contract orders for new instrument orders, generates roll orders,
// moves amendments down and their outcome back up, aggregates fills and
// retires completed order trees.
package engine

import (
	"context"
	"log/slog"
	"time"

	"futurestack/internal/domain"
	"futurestack/internal/metrics"
	"futurestack/internal/store"
)

// InstrumentStack and ContractStack are the two stacks the engine reconciles.
type (
	InstrumentStack = store.OrderStack[*domain.InstrumentOrder]
	ContractStack   = store.OrderStack[*domain.ContractOrder]
)

// ContractPositions answers what is held in one contract.
type ContractPositions interface {
	ContractPosition(ctx context.Context, instrument, contractID string) (int64, error)
}

// PositionTracker books filled quantities once an order tree completes and
// answers which instruments currently hold positions.
type PositionTracker interface {
	ContractPositions
	InstrumentsWithPositions(ctx context.Context) ([]string, error)
	BookCompletion(ctx context.Context, b store.Booking) (booked bool, err error)
	PositionTotals(ctx context.Context) ([]store.PositionTotal, error)
}

// InstrumentLocks closes instruments to new trading.
type InstrumentLocks interface {
	LockInstrument(ctx context.Context, instrument, reason string) error
	InstrumentLocked(ctx context.Context, instrument string) (bool, error)
}

// TradeLimiter caps the quantity strategies may trade.
type TradeLimiter interface {
	WhatTradeIsPossible(ctx context.Context, strategy, instrument string, proposed int64) (int64, error)
	AddTrade(ctx context.Context, strategy, instrument string, qty int64) error
	RemoveTrade(ctx context.Context, strategy, instrument string, qty int64) error
}

// RollCalendar yields the roll state and contracts of an instrument.
type RollCalendar interface {
	RollParameters(ctx context.Context, instrument string) (domain.RollParameters, error)
}

// ChildSizer decides which contract orders an instrument order becomes. An
// empty result means nothing should be spawned this sweep.
type ChildSizer interface {
	ChildOrders(ctx context.Context, parent *domain.InstrumentOrder) ([]*domain.ContractOrder, error)
}

// Deps wires an Engine. Sizer defaults to a RollStateSizer over Rolls and
// Positions; Locks, Limits and Metrics may be nil.
type Deps struct {
	Instruments InstrumentStack
	Contracts   ContractStack
	Positions   PositionTracker
	History     store.HistoryStore
	Limits      TradeLimiter
	Rolls       RollCalendar
	Locks       InstrumentLocks
	Sizer       ChildSizer
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	// StaleLockAfter is the age after which a lock is presumed to belong to
	// a crashed transaction.
	StaleLockAfter time.Duration
}

// Engine runs reconciliation sweeps over the order stacks. A sweep is
// single-threaded; concurrent writers are other processes sharing the stacks.
type Engine struct {
	instruments InstrumentStack
	contracts   ContractStack
	positions   PositionTracker
	history     store.HistoryStore
	limits      TradeLimiter
	rolls       RollCalendar
	locks       InstrumentLocks
	sizer       ChildSizer
	metrics     *metrics.Metrics
	log         *slog.Logger

	staleLockAfter time.Duration
	now            func() time.Time

	// deferred holds instrument orders already reported as held back by
	// trade limits. Sweeps never run concurrently.
	deferred map[domain.OrderID]bool
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		instruments:    d.Instruments,
		contracts:      d.Contracts,
		positions:      d.Positions,
		history:        d.History,
		limits:         d.Limits,
		rolls:          d.Rolls,
		locks:          d.Locks,
		sizer:          d.Sizer,
		metrics:        d.Metrics,
		log:            d.Log,
		staleLockAfter: d.StaleLockAfter,
		now:            time.Now,
		deferred:       make(map[domain.OrderID]bool),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.sizer == nil {
		e.sizer = NewRollStateSizer(d.Rolls, d.Positions, e.log)
	}
	if e.staleLockAfter == 0 {
		e.staleLockAfter = 10 * time.Minute
	}
	return e
}

type loggerKey struct{}

// logger returns the sweep-scoped logger carried by ctx, or the engine's.
func (e *Engine) logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return e.log
}

func orderAttrs(o domain.Order) []any {
	b := o.Base()
	key := "contract_order_id"
	if o.Tier() == domain.TierInstrument {
		key = "instrument_order_id"
	}
	return []any{"strategy", b.StrategyName, "instrument", b.InstrumentCode, key, int64(b.ID)}
}
