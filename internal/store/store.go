// Package store defines storage interfaces for the order stacks and their
// collaborators (positions, roll parameters and the historic order archive),
// with SQLite and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
)

// ErrNotFound is returned by lookups other than order lookups, which use
// domain.ErrMissingOrder.
var ErrNotFound = errors.New("not found")

// OrderStack persists the active orders of one tier. Every mutation is a
// compare-and-swap against the stored row and fails with
// domain.ErrLockedOrder while the order is locked. Status queries skip locked
// and inactive orders.
type OrderStack[O domain.Order] interface {
	// Tier returns the tier this stack holds.
	Tier() domain.Tier

	// Get returns the order with the given id, active or not.
	Get(ctx context.Context, id domain.OrderID) (O, error)

	// Put inserts an order and assigns its id. Zero-quantity orders are
	// refused unless allowZero is set. An active order with the same natural
	// key yields domain.ErrDuplicateOrder.
	Put(ctx context.Context, o O, allowZero bool) (domain.OrderID, error)

	// PutList inserts orders locked. When unlockWhenFinished is false they stay
	// locked so a larger transaction can link them first. On failure the
	// orders already inserted are rolled back.
	PutList(ctx context.Context, orders []O, unlockWhenFinished bool) ([]domain.OrderID, error)

	// AddChildren links child ids to a childless order.
	AddChildren(ctx context.Context, id domain.OrderID, children []domain.OrderID) error

	// Update applies fn to the stored order and writes it back atomically.
	Update(ctx context.Context, id domain.OrderID, fn func(O) error) error

	ActiveOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	NewOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	BeingModifiedOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	FinishedModifyingOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	RejectedModifyingOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	CompletedOrderIDs(ctx context.Context) ([]domain.OrderID, error)
	FilledOrderIDs(ctx context.Context) ([]domain.OrderID, error)

	// IDsWithParent returns active orders, locked or not, claiming parent.
	IDsWithParent(ctx context.Context, parent domain.OrderID) ([]domain.OrderID, error)

	// StaleLockedOrderIDs returns orders locked before the given time.
	StaleLockedOrderIDs(ctx context.Context, before time.Time) ([]domain.OrderID, error)

	Modify(ctx context.Context, id domain.OrderID, newTrade domain.Quantities) error
	Cancel(ctx context.Context, id domain.OrderID) (domain.OrderID, error)
	RejectModification(ctx context.Context, id domain.OrderID) error
	CompleteModification(ctx context.Context, id domain.OrderID) error
	ClearModification(ctx context.Context, id domain.OrderID) error

	// ChangeFill records the cumulative fill of an order.
	ChangeFill(ctx context.Context, id domain.OrderID, fill domain.Quantities, price decimal.NullDecimal, at time.Time) error

	Deactivate(ctx context.Context, id domain.OrderID) error
	Remove(ctx context.Context, id domain.OrderID) error

	// Rollback unlocks, deactivates and removes each order. Orders already
	// gone are skipped. Any other failure wraps domain.ErrRollbackFailed.
	Rollback(ctx context.Context, ids []domain.OrderID) error

	Lock(ctx context.Context, id domain.OrderID) error
	Unlock(ctx context.Context, id domain.OrderID) error

	// RemoveInactive hard-deletes deactivated orders and returns how many.
	RemoveInactive(ctx context.Context) (int, error)
}

// PositionStore tracks net positions per strategy and per contract.
type PositionStore interface {
	// UpdateStrategyPosition adds delta to a strategy's instrument position.
	UpdateStrategyPosition(ctx context.Context, strategy, instrument string, delta int64) error

	// UpdateContractPosition adds delta to the position in one contract.
	UpdateContractPosition(ctx context.Context, instrument, contractID string, delta int64) error

	StrategyPosition(ctx context.Context, strategy, instrument string) (int64, error)
	ContractPosition(ctx context.Context, instrument, contractID string) (int64, error)

	// InstrumentsWithPositions lists instruments holding any contract position.
	InstrumentsWithPositions(ctx context.Context) ([]string, error)

	// BookCompletion applies a completed order tree's fills at most once.
	BookCompletion(ctx context.Context, b Booking) (booked bool, err error)

	// PositionTotals sums strategy and contract positions per instrument.
	PositionTotals(ctx context.Context) ([]PositionTotal, error)
}

// Booking is the position change of one completed instrument order and its
// contract orders.
type Booking struct {
	OrderID       domain.OrderID
	Strategy      string
	Instrument    string
	StrategyDelta int64
	Contracts     []ContractDelta
}

// ContractDelta is the filled quantity of one contract.
type ContractDelta struct {
	ContractID string
	Delta      int64
}

// PositionTotal compares what strategies hold in an instrument with what is
// held in its contracts. They differ only after a break.
type PositionTotal struct {
	Instrument string
	Strategy   int64
	Contract   int64
}

// InstrumentLockStore records instruments closed to new trading.
type InstrumentLockStore interface {
	LockInstrument(ctx context.Context, instrument, reason string) error
	UnlockInstrument(ctx context.Context, instrument string) error
	InstrumentLocked(ctx context.Context, instrument string) (bool, error)
	InstrumentLocks(ctx context.Context) ([]InstrumentLock, error)
}

// InstrumentLock is one locked instrument.
type InstrumentLock struct {
	Instrument string
	Reason     string
	LockedAt   time.Time
}

// RollStore holds the roll state and contracts per instrument.
type RollStore interface {
	// RollParameters returns ErrNotFound for an unknown instrument.
	RollParameters(ctx context.Context, instrument string) (domain.RollParameters, error)
	SetRollParameters(ctx context.Context, p domain.RollParameters) error
	ListRollParameters(ctx context.Context) ([]domain.RollParameters, error)
}

// HistoryStore is the append-only archive of finished orders.
type HistoryStore interface {
	AppendInstrumentOrder(ctx context.Context, o *domain.InstrumentOrder) error
	AppendContractOrder(ctx context.Context, o *domain.ContractOrder) error
}
