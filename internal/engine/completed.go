package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"futurestack/internal/domain"
	"futurestack/internal/store"
	"futurestack/internal/util"
)

const (
	historyAttempts = 3
	historyBackoff  = 200 * time.Millisecond
)

// HandleCompletions retires every order tree whose contract orders are all
// filled: positions are booked, the orders archived and then deactivated,
// children first while the parent is locked. A tree left part retired by a
// failure is finished by a later sweep without booking it twice.
func (e *Engine) HandleCompletions(ctx context.Context) error {
	candidates, err := e.completionCandidates(ctx)
	if err != nil {
		return e.abandon(ctx, phaseCompletions, err)
	}
	return e.forEachID(ctx, phaseCompletions, "instrument_order_id", candidates, e.complete)
}

// completionCandidates lists instrument orders that are themselves complete
// or have a completed child, without repeats.
func (e *Engine) completionCandidates(ctx context.Context) ([]domain.OrderID, error) {
	ids, err := e.instruments.CompletedOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	childIDs, err := e.contracts.CompletedOrderIDs(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[domain.OrderID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, childID := range childIDs {
		child, err := e.contracts.Get(ctx, childID)
		if err != nil {
			if errors.Is(err, domain.ErrMissingOrder) {
				continue
			}
			return nil, err
		}
		if parentID, ok := child.ParentID(); ok && !seen[parentID] {
			seen[parentID] = true
			ids = append(ids, parentID)
		}
	}
	return ids, nil
}

func (e *Engine) complete(ctx context.Context, id domain.OrderID) error {
	parent, err := e.instruments.Get(ctx, id)
	if err != nil {
		return err
	}
	if !parent.Active || parent.Locked || parent.ModificationStatus != domain.NotModifying || !parent.IsCompleted() {
		return nil
	}
	children, err := e.childrenOf(ctx, parent)
	if err != nil {
		return err
	}
	// An inactive child was retired by an earlier attempt on this tree.
	for _, c := range children {
		if !c.IsCompleted() || c.ModificationStatus != domain.NotModifying {
			return nil
		}
	}

	if err := e.instruments.Lock(ctx, id); err != nil {
		return err
	}
	err = e.retire(ctx, parent, children)
	if unlockErr := e.instruments.Unlock(ctx, id); unlockErr != nil {
		return errors.Join(err, unlockErr)
	}
	if err != nil {
		return err
	}
	if err := e.instruments.Deactivate(ctx, id); err != nil {
		return err
	}

	e.metrics.Completed()
	e.logger(ctx).Info("order completed", append(orderAttrs(parent),
		"fill", parent.Fill.String(), "price", parent.FilledPrice.Decimal.String(),
		"children", len(children))...)
	return nil
}

// retire books and archives a completed tree and deactivates its children.
// Every step may be repeated after a failure: booking happens once per
// instrument order and archived records merge by order id.
func (e *Engine) retire(ctx context.Context, parent *domain.InstrumentOrder, children []*domain.ContractOrder) error {
	if err := e.book(ctx, parent, children); err != nil {
		return err
	}
	if err := e.archive(ctx, parent, children); err != nil {
		return err
	}
	for _, c := range children {
		if !c.Active {
			continue
		}
		if err := e.contracts.Deactivate(ctx, c.ID); err != nil && !errors.Is(err, domain.ErrInactiveOrder) {
			return fmt.Errorf("deactivating contract order %d: %w", c.ID, err)
		}
	}
	return nil
}

// book applies the tree's fills to the positions. Rolls move contracts
// without changing what the strategy holds.
func (e *Engine) book(ctx context.Context, parent *domain.InstrumentOrder, children []*domain.ContractOrder) error {
	if e.positions == nil {
		return nil
	}
	b := store.Booking{
		OrderID:    parent.ID,
		Strategy:   parent.StrategyName,
		Instrument: parent.InstrumentCode,
	}
	if !parent.RollOrder && !parent.FillIsZero() {
		b.StrategyDelta = parent.Fill[0]
	}
	for _, c := range children {
		for i, contractID := range c.ContractIDs {
			if c.Fill[i] != 0 {
				b.Contracts = append(b.Contracts, store.ContractDelta{ContractID: contractID, Delta: c.Fill[i]})
			}
		}
	}

	booked, err := e.positions.BookCompletion(ctx, b)
	if err != nil {
		return fmt.Errorf("booking positions: %w", err)
	}
	if !booked {
		e.logger(ctx).Info("positions already booked", orderAttrs(parent)...)
	}
	return nil
}

// archive appends the tree to history.
func (e *Engine) archive(ctx context.Context, parent *domain.InstrumentOrder, children []*domain.ContractOrder) error {
	if e.history == nil {
		return nil
	}
	for _, c := range children {
		err := util.Retry(ctx, historyAttempts, historyBackoff, func() error {
			return retryable(e.history.AppendContractOrder(ctx, c))
		})
		if err != nil {
			return fmt.Errorf("archiving contract order %d: %w", c.ID, err)
		}
	}
	return util.Retry(ctx, historyAttempts, historyBackoff, func() error {
		return retryable(e.history.AppendInstrumentOrder(ctx, parent))
	})
}

// retryable marks archive errors that waiting will not fix.
func retryable(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return util.Permanent(err)
	}
	return err
}
