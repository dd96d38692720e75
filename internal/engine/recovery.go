package engine

import (
	"context"
	"errors"

	"futurestack/internal/domain"
)

// RecoverStaleLocks releases locks older than the configured maximum age,
// which only a crashed transaction leaves behind. An instrument order that
// never got its children has its half-inserted contract orders rolled back;
// a roll parent in that state is rolled back too. A contract order whose
// parent does not list it is rolled back. Every other stale lock is
// released as is. The broker stack is left to the broker layer.
func (e *Engine) RecoverStaleLocks(ctx context.Context) error {
	before := e.now().Add(-e.staleLockAfter)

	ids, err := e.instruments.StaleLockedOrderIDs(ctx, before)
	if err != nil {
		return e.abandon(ctx, phaseRecovery, err)
	}
	if err := e.forEachID(ctx, phaseRecovery, "instrument_order_id", ids, e.recoverInstrumentOrder); err != nil {
		return err
	}

	ids, err = e.contracts.StaleLockedOrderIDs(ctx, before)
	if err != nil {
		return e.abandon(ctx, phaseRecovery, err)
	}
	return e.forEachID(ctx, phaseRecovery, "contract_order_id", ids, e.recoverContractOrder)
}

func (e *Engine) recoverInstrumentOrder(ctx context.Context, id domain.OrderID) error {
	o, err := e.instruments.Get(ctx, id)
	if err != nil {
		return err
	}
	log := e.logger(ctx).With(orderAttrs(o)...)

	if o.HasChildren() {
		if err := e.instruments.Unlock(ctx, id); err != nil {
			return err
		}
		e.metrics.LockRecovered()
		log.Warn("released stale lock")
		return nil
	}

	orphans, err := e.contracts.IDsWithParent(ctx, id)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		e.metrics.RolledBack()
		if err := e.contracts.Rollback(ctx, orphans); err != nil {
			return err
		}
		log.Warn("rolled back unlinked contract orders", "contract_order_ids", idsAttr(orphans))
	}

	if o.RollOrder {
		e.metrics.RolledBack()
		if err := e.instruments.Rollback(ctx, []domain.OrderID{id}); err != nil {
			return err
		}
		log.Warn("rolled back interrupted roll order")
	} else {
		if err := e.instruments.Unlock(ctx, id); err != nil {
			return err
		}
		log.Warn("released stale lock")
	}
	e.metrics.LockRecovered()
	return nil
}

func (e *Engine) recoverContractOrder(ctx context.Context, id domain.OrderID) error {
	o, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	log := e.logger(ctx).With(orderAttrs(o)...)

	if parentID, ok := o.ParentID(); ok {
		parent, err := e.instruments.Get(ctx, parentID)
		switch {
		case errors.Is(err, domain.ErrMissingOrder) || (err == nil && !parent.HasChild(id)):
			if parent != nil && parent.Locked {
				// The parent's own transaction may still link it.
				return nil
			}
			e.metrics.RolledBack()
			if err := e.contracts.Rollback(ctx, []domain.OrderID{id}); err != nil {
				return err
			}
			e.metrics.LockRecovered()
			log.Warn("rolled back unlinked contract order", "parent_id", int64(parentID))
			return nil
		case err != nil:
			return err
		}
	}

	if err := e.contracts.Unlock(ctx, id); err != nil {
		return err
	}
	e.metrics.LockRecovered()
	log.Warn("released stale lock")
	return nil
}

func idsAttr(ids []domain.OrderID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
