package engine

import (
	"context"
	"fmt"

	"futurestack/internal/store"
	"futurestack/internal/util"
)

// CheckPositionBreaks compares, per instrument, the sum of strategy positions
// with the sum of contract positions. Booking keeps the two equal, so a
// difference means positions were changed outside a completed order tree.
// The instrument is locked until an operator unlocks it; spawning, roll
// generation and the paper broker all skip locked instruments.
func (e *Engine) CheckPositionBreaks(ctx context.Context) error {
	if e.positions == nil || e.locks == nil {
		return nil
	}
	totals, err := e.positions.PositionTotals(ctx)
	if err != nil {
		return e.abandon(ctx, phasePositions, err)
	}
	for _, t := range totals {
		if t.Strategy == t.Contract {
			continue
		}
		if err := e.lockOnBreak(ctx, t); err != nil {
			if err := e.abandon(ctx, phasePositions, err, "instrument", t.Instrument); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) lockOnBreak(ctx context.Context, t store.PositionTotal) error {
	locked, err := e.instrumentLocked(ctx, t.Instrument)
	if err != nil || locked {
		return err
	}
	reason := fmt.Sprintf("position break: strategies hold %d, contracts hold %d", t.Strategy, t.Contract)
	if err := e.locks.LockInstrument(ctx, t.Instrument, reason); err != nil {
		return err
	}
	e.metrics.PositionBreak()
	util.Critical(e.logger(ctx), "position break, instrument locked",
		"instrument", t.Instrument, "strategy_position", t.Strategy, "contract_position", t.Contract)
	return nil
}
