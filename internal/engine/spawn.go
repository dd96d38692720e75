package engine

import (
	"context"
	"fmt"
	"log/slog"

	"futurestack/internal/domain"
)

// SpawnChildren creates contract orders for every new instrument order.
func (e *Engine) SpawnChildren(ctx context.Context) error {
	ids, err := e.instruments.NewOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseSpawn, err)
	}
	e.forgetDeferred(ids)
	for _, id := range ids {
		if err := e.spawnChildrenFor(ctx, id); err != nil {
			if err := e.abandon(ctx, phaseSpawn, err, "instrument_order_id", int64(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) spawnChildrenFor(ctx context.Context, id domain.OrderID) error {
	parent, err := e.instruments.Get(ctx, id)
	if err != nil {
		return err
	}
	// The order may have been spawned or amended since it was listed.
	if !parent.IsNew() || parent.IsZeroTrade() {
		delete(e.deferred, id)
		return nil
	}
	log := e.logger(ctx).With(orderAttrs(parent)...)

	locked, err := e.instrumentLocked(ctx, parent.InstrumentCode)
	if err != nil {
		return err
	}
	if locked {
		e.deferSpawn(log, id, "instrument locked, deferring spawn")
		return nil
	}

	qty := parent.Quantity()
	if e.limits != nil {
		possible, err := e.limits.WhatTradeIsPossible(ctx, parent.StrategyName, parent.InstrumentCode, qty)
		if err != nil {
			return err
		}
		if possible != qty {
			e.deferSpawn(log, id, "trade limit reached, deferring spawn", "trade", qty, "possible", possible)
			return nil
		}
	}

	children, err := e.sizer.ChildOrders(ctx, parent)
	if err != nil {
		return fmt.Errorf("sizing children: %w", err)
	}
	if len(children) == 0 {
		return nil
	}

	if err := e.addChildrenToExistingParent(ctx, parent, children); err != nil {
		return err
	}
	delete(e.deferred, id)
	e.metrics.Spawned(len(children))
	if e.limits != nil {
		if err := e.limits.AddTrade(ctx, parent.StrategyName, parent.InstrumentCode, qty); err != nil {
			return fmt.Errorf("counting spawned trade: %w", err)
		}
	}

	ids := make([]domain.OrderID, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	log.Info("spawned contract orders", "contract_order_ids", idsAttr(ids))
	return nil
}

// deferSpawn reports an order held back this sweep. The first deferral of an
// order is logged at info and counted; repeats only at debug.
func (e *Engine) deferSpawn(log *slog.Logger, id domain.OrderID, msg string, args ...any) {
	if e.deferred[id] {
		log.Debug(msg, args...)
		return
	}
	e.deferred[id] = true
	e.metrics.SpawnDeferred()
	log.Info(msg, args...)
}

// forgetDeferred drops deferral records of orders no longer waiting.
func (e *Engine) forgetDeferred(waiting []domain.OrderID) {
	if len(e.deferred) == 0 {
		return
	}
	keep := make(map[domain.OrderID]bool, len(waiting))
	for _, id := range waiting {
		keep[id] = true
	}
	for id := range e.deferred {
		if !keep[id] {
			delete(e.deferred, id)
		}
	}
}

func (e *Engine) instrumentLocked(ctx context.Context, instrument string) (bool, error) {
	if e.locks == nil {
		return false, nil
	}
	locked, err := e.locks.InstrumentLocked(ctx, instrument)
	if err != nil {
		return false, fmt.Errorf("checking lock on %s: %w", instrument, err)
	}
	return locked, nil
}
