package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
)

// Compile-time interface checks.
var _ OrderStack[*domain.InstrumentOrder] = (*SQLiteOrderStack[*domain.InstrumentOrder])(nil)
var _ OrderStack[*domain.ContractOrder] = (*SQLiteOrderStack[*domain.ContractOrder])(nil)
var _ OrderStack[*domain.BrokerOrder] = (*SQLiteOrderStack[*domain.BrokerOrder])(nil)

// SQLiteOrderStack is one tier of orders in the shared orders table. The
// order itself is stored as JSON; the columns next to it carry what the
// queries and the compare-and-swap need.
type SQLiteOrderStack[O domain.Order] struct {
	db       *sql.DB
	tier     domain.Tier
	newOrder func() O
	owner    string
	now      func() time.Time
}

// NewOrderStack returns the stack for one tier. owner is recorded against
// every lock taken through this stack.
func NewOrderStack[O domain.Order](s *SQLiteStore, tier domain.Tier, newOrder func() O, owner string) *SQLiteOrderStack[O] {
	return &SQLiteOrderStack[O]{
		db:       s.db,
		tier:     tier,
		newOrder: newOrder,
		owner:    owner,
		now:      time.Now,
	}
}

// InstrumentStack returns the instrument order stack.
func (s *SQLiteStore) InstrumentStack(owner string) *SQLiteOrderStack[*domain.InstrumentOrder] {
	return NewOrderStack(s, domain.TierInstrument, func() *domain.InstrumentOrder { return new(domain.InstrumentOrder) }, owner)
}

// ContractStack returns the contract order stack.
func (s *SQLiteStore) ContractStack(owner string) *SQLiteOrderStack[*domain.ContractOrder] {
	return NewOrderStack(s, domain.TierContract, func() *domain.ContractOrder { return new(domain.ContractOrder) }, owner)
}

// BrokerStack returns the broker order stack.
func (s *SQLiteStore) BrokerStack(owner string) *SQLiteOrderStack[*domain.BrokerOrder] {
	return NewOrderStack(s, domain.TierBroker, func() *domain.BrokerOrder { return new(domain.BrokerOrder) }, owner)
}

// Tier returns the tier this stack holds.
func (s *SQLiteOrderStack[O]) Tier() domain.Tier { return s.tier }

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

type orderRow[O domain.Order] struct {
	order   O
	version int64
}

func (s *SQLiteOrderStack[O]) decode(body string, active, locked bool) (O, error) {
	o := s.newOrder()
	if err := json.Unmarshal([]byte(body), o); err != nil {
		var zero O
		return zero, fmt.Errorf("decoding %s order: %w", s.tier, err)
	}
	// The columns are authoritative for state changed without rewriting the body.
	o.Base().Active = active
	o.Base().Locked = locked
	return o, nil
}

func (s *SQLiteOrderStack[O]) load(ctx context.Context, id domain.OrderID) (orderRow[O], error) {
	var (
		body           string
		active, locked bool
		version        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, active, locked, version FROM orders WHERE tier = ? AND id = ?`,
		s.tier, id).Scan(&body, &active, &locked, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return orderRow[O]{}, fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrMissingOrder)
	}
	if err != nil {
		return orderRow[O]{}, fmt.Errorf("loading %s order %d: %w", s.tier, id, err)
	}
	o, err := s.decode(body, active, locked)
	if err != nil {
		return orderRow[O]{}, err
	}
	return orderRow[O]{order: o, version: version}, nil
}

func parentColumn(b *domain.OrderBase) sql.NullInt64 {
	if id, ok := b.ParentID(); ok {
		return sql.NullInt64{Int64: int64(id), Valid: true}
	}
	return sql.NullInt64{}
}

// Get returns the order with the given id.
func (s *SQLiteOrderStack[O]) Get(ctx context.Context, id domain.OrderID) (O, error) {
	row, err := s.load(ctx, id)
	return row.order, err
}

// ---------------------------------------------------------------------------
// Insertion
// ---------------------------------------------------------------------------

// Put inserts an order and assigns its id.
func (s *SQLiteOrderStack[O]) Put(ctx context.Context, o O, allowZero bool) (domain.OrderID, error) {
	b := o.Base()
	if !allowZero && b.IsZeroTrade() {
		return 0, fmt.Errorf("%s order %s: %w", s.tier, o.Key(), domain.ErrZeroOrder)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE tier = ? AND order_key = ? AND active = 1`,
		s.tier, o.Key()).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists > 0 {
		return 0, fmt.Errorf("%s order %s: %w", s.tier, o.Key(), domain.ErrDuplicateOrder)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO order_id_counters (tier, last_id) VALUES (?, 1)
		ON CONFLICT (tier) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id`, s.tier).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocating %s order id: %w", s.tier, err)
	}

	b.ID = domain.OrderID(id)
	b.Active = true
	body, err := json.Marshal(o)
	if err != nil {
		return 0, err
	}

	var lockedAt sql.NullInt64
	var owner sql.NullString
	if b.Locked {
		lockedAt = sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true}
		owner = sql.NullString{String: s.owner, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (tier, id, order_key, parent_id, active, locked, locked_at, lock_owner,
			modification_status, version, body)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, 0, ?)`,
		s.tier, id, o.Key(), parentColumn(b), b.Locked, lockedAt, owner,
		string(b.ModificationStatus), string(body))
	if err != nil {
		return 0, fmt.Errorf("inserting %s order %s: %w", s.tier, o.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return b.ID, nil
}

// PutList inserts orders locked and optionally unlocks them at the end. If
// any insertion fails, the ones already inserted are rolled back.
func (s *SQLiteOrderStack[O]) PutList(ctx context.Context, orders []O, unlockWhenFinished bool) ([]domain.OrderID, error) {
	ids := make([]domain.OrderID, 0, len(orders))
	for _, o := range orders {
		o.Base().Locked = true
		id, err := s.Put(ctx, o, false)
		if err != nil {
			err = fmt.Errorf("putting %s order list: %w", s.tier, err)
			if rbErr := s.Rollback(ctx, ids); rbErr != nil {
				return nil, errors.Join(err, rbErr)
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	if unlockWhenFinished {
		for i, id := range ids {
			if err := s.Unlock(ctx, id); err != nil {
				return ids, err
			}
			orders[i].Base().Locked = false
		}
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Compare-and-swap updates
// ---------------------------------------------------------------------------

// Update loads the order, applies fn and writes it back if the row has not
// changed in between. Locked orders are refused.
func (s *SQLiteOrderStack[O]) Update(ctx context.Context, id domain.OrderID, fn func(O) error) error {
	row, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	b := row.order.Base()
	if b.Locked {
		return fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrLockedOrder)
	}
	if err := fn(row.order); err != nil {
		return err
	}
	return s.swap(ctx, row, `locked = 0`)
}

// swap writes the order back if its version is unchanged and cond holds.
func (s *SQLiteOrderStack[O]) swap(ctx context.Context, row orderRow[O], cond string) error {
	b := row.order.Base()
	body, err := json.Marshal(row.order)
	if err != nil {
		return err
	}

	var lockedAt sql.NullInt64
	var owner sql.NullString
	if b.Locked {
		lockedAt = sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true}
		owner = sql.NullString{String: s.owner, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			order_key = ?, parent_id = ?, active = ?, locked = ?, locked_at = ?, lock_owner = ?,
			modification_status = ?, version = version + 1, body = ?
		WHERE tier = ? AND id = ? AND version = ? AND `+cond,
		row.order.Key(), parentColumn(b), b.Active, b.Locked, lockedAt, owner,
		string(b.ModificationStatus), string(body),
		s.tier, b.ID, row.version)
	if err != nil {
		return fmt.Errorf("updating %s order %d: %w", s.tier, b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := s.load(ctx, b.ID)
	if err != nil {
		return err
	}
	if current.order.Base().Locked {
		return fmt.Errorf("%s order %d: %w", s.tier, b.ID, domain.ErrLockedOrder)
	}
	return fmt.Errorf("%s order %d: %w", s.tier, b.ID, domain.ErrConcurrentUpdate)
}

// AddChildren links child ids to a childless order.
func (s *SQLiteOrderStack[O]) AddChildren(ctx context.Context, id domain.OrderID, children []domain.OrderID) error {
	return s.Update(ctx, id, func(o O) error {
		return o.Base().AddChildren(children)
	})
}

// Modify starts an amendment of an active order.
func (s *SQLiteOrderStack[O]) Modify(ctx context.Context, id domain.OrderID, newTrade domain.Quantities) error {
	return s.Update(ctx, id, func(o O) error {
		if !o.Base().Active {
			return fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrInactiveOrder)
		}
		return o.Base().Modify(newTrade)
	})
}

// Cancel amends the order down to its fill and returns its id.
func (s *SQLiteOrderStack[O]) Cancel(ctx context.Context, id domain.OrderID) (domain.OrderID, error) {
	err := s.Update(ctx, id, func(o O) error {
		if !o.Base().Active {
			return fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrInactiveOrder)
		}
		return o.Base().Cancel()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteOrderStack[O]) RejectModification(ctx context.Context, id domain.OrderID) error {
	return s.Update(ctx, id, func(o O) error { return o.Base().RejectModification() })
}

func (s *SQLiteOrderStack[O]) CompleteModification(ctx context.Context, id domain.OrderID) error {
	return s.Update(ctx, id, func(o O) error { return o.Base().CompleteModification() })
}

func (s *SQLiteOrderStack[O]) ClearModification(ctx context.Context, id domain.OrderID) error {
	return s.Update(ctx, id, func(o O) error { return o.Base().ClearModification() })
}

// ChangeFill records the cumulative fill of an order.
func (s *SQLiteOrderStack[O]) ChangeFill(ctx context.Context, id domain.OrderID, fill domain.Quantities, price decimal.NullDecimal, at time.Time) error {
	return s.Update(ctx, id, func(o O) error {
		return o.Base().ApplyFill(fill, price, at)
	})
}

// Deactivate retires an order. It stays readable until removed.
func (s *SQLiteOrderStack[O]) Deactivate(ctx context.Context, id domain.OrderID) error {
	return s.Update(ctx, id, func(o O) error { return o.Base().Deactivate() })
}

// Lock marks an unlocked order as locked by this stack's owner.
func (s *SQLiteOrderStack[O]) Lock(ctx context.Context, id domain.OrderID) error {
	row, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if row.order.Base().Locked {
		return fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrLockedOrder)
	}
	row.order.Base().Locked = true
	return s.swap(ctx, row, `locked = 0`)
}

// Unlock releases a lock. Unlocking an unlocked order is a no-op.
func (s *SQLiteOrderStack[O]) Unlock(ctx context.Context, id domain.OrderID) error {
	row, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !row.order.Base().Locked {
		return nil
	}
	row.order.Base().Locked = false
	return s.swap(ctx, row, `locked = 1`)
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

// Remove hard-deletes an unlocked order.
func (s *SQLiteOrderStack[O]) Remove(ctx context.Context, id domain.OrderID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM orders WHERE tier = ? AND id = ? AND locked = 0`, s.tier, id)
	if err != nil {
		return fmt.Errorf("removing %s order %d: %w", s.tier, id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s order %d: %w", s.tier, id, domain.ErrLockedOrder)
}

// Rollback unlocks, deactivates and removes each order.
func (s *SQLiteOrderStack[O]) Rollback(ctx context.Context, ids []domain.OrderID) error {
	var errs []error
	for _, id := range ids {
		if err := s.rollbackOne(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s stack: %w: %w", s.tier, domain.ErrRollbackFailed, errors.Join(errs...))
	}
	return nil
}

func (s *SQLiteOrderStack[O]) rollbackOne(ctx context.Context, id domain.OrderID) error {
	if err := s.Unlock(ctx, id); err != nil {
		if errors.Is(err, domain.ErrMissingOrder) {
			return nil
		}
		return err
	}
	if err := s.Deactivate(ctx, id); err != nil && !errors.Is(err, domain.ErrInactiveOrder) {
		return err
	}
	return s.Remove(ctx, id)
}

// RemoveInactive hard-deletes deactivated orders.
func (s *SQLiteOrderStack[O]) RemoveInactive(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM orders WHERE tier = ? AND active = 0 AND locked = 0`, s.tier)
	if err != nil {
		return 0, fmt.Errorf("purging %s orders: %w", s.tier, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// filterIDs decodes the active, unlocked orders of this tier and returns the
// ids matching keep, in id order.
func (s *SQLiteOrderStack[O]) filterIDs(ctx context.Context, keep func(*domain.OrderBase) bool) ([]domain.OrderID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM orders WHERE tier = ? AND active = 1 AND locked = 0 ORDER BY id`, s.tier)
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", s.tier, err)
	}
	defer rows.Close()

	var ids []domain.OrderID
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		o, err := s.decode(body, true, false)
		if err != nil {
			return nil, err
		}
		if keep(o.Base()) {
			ids = append(ids, o.Base().ID)
		}
	}
	return ids, rows.Err()
}

func (s *SQLiteOrderStack[O]) queryIDs(ctx context.Context, query string, args ...any) ([]domain.OrderID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", s.tier, err)
	}
	defer rows.Close()

	var ids []domain.OrderID
	for rows.Next() {
		var id domain.OrderID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveOrderIDs includes locked orders.
func (s *SQLiteOrderStack[O]) ActiveOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.queryIDs(ctx, `SELECT id FROM orders WHERE tier = ? AND active = 1 ORDER BY id`, s.tier)
}

// NewOrderIDs lists orders waiting to spawn children.
func (s *SQLiteOrderStack[O]) NewOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.filterIDs(ctx, (*domain.OrderBase).IsNew)
}

func (s *SQLiteOrderStack[O]) modificationIDs(ctx context.Context, status domain.ModificationStatus) ([]domain.OrderID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM orders
		WHERE tier = ? AND active = 1 AND locked = 0 AND modification_status = ?
		ORDER BY id`, s.tier, string(status))
}

func (s *SQLiteOrderStack[O]) BeingModifiedOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.modificationIDs(ctx, domain.BeingModified)
}

func (s *SQLiteOrderStack[O]) FinishedModifyingOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.modificationIDs(ctx, domain.ModificationComplete)
}

func (s *SQLiteOrderStack[O]) RejectedModifyingOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.modificationIDs(ctx, domain.ModificationRejected)
}

// CompletedOrderIDs lists orders whose fill equals their trade.
func (s *SQLiteOrderStack[O]) CompletedOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.filterIDs(ctx, (*domain.OrderBase).IsCompleted)
}

// FilledOrderIDs lists orders with a non-zero fill.
func (s *SQLiteOrderStack[O]) FilledOrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	return s.filterIDs(ctx, func(b *domain.OrderBase) bool { return !b.FillIsZero() })
}

// IDsWithParent returns active orders claiming parent, locked or not.
func (s *SQLiteOrderStack[O]) IDsWithParent(ctx context.Context, parent domain.OrderID) ([]domain.OrderID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM orders WHERE tier = ? AND active = 1 AND parent_id = ?
		ORDER BY id`, s.tier, int64(parent))
}

// StaleLockedOrderIDs returns orders locked before the given time.
func (s *SQLiteOrderStack[O]) StaleLockedOrderIDs(ctx context.Context, before time.Time) ([]domain.OrderID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM orders WHERE tier = ? AND locked = 1 AND locked_at < ?
		ORDER BY id`, s.tier, before.UnixMilli())
}
