package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"futurestack/internal/domain"
)

// phase is one step of a sweep.
type phase struct {
	name string
	run  func(context.Context) error
}

func (e *Engine) phases() []phase {
	return []phase{
		{phaseSpawn, e.SpawnChildren},
		{phaseRolls, e.GenerateRollOrders},
		{phaseAmendDown, e.PropagateAmendmentsDown},
		{phaseCompletionUp, e.PropagateCompletionUp},
		{phaseRejectionUp, e.PropagateRejectionUp},
		{phaseClearComplete, e.ClearCompletedAmendments},
		{phaseClearRejected, e.ClearRejectedAmendments},
		{phaseFills, e.AggregateFills},
		{phaseCompletions, e.HandleCompletions},
	}
}

// Sweep runs every reconciliation phase once, in order. Failures of single
// orders are logged and skipped. The returned error is either a failed
// rollback, which needs an operator, or the context's error.
func (e *Engine) Sweep(ctx context.Context) error {
	start := e.now()
	log := e.log.With("sweep_id", uuid.NewString())
	ctx = context.WithValue(ctx, loggerKey{}, log)

	for _, p := range e.phases() {
		if err := p.run(ctx); err != nil {
			log.Error("sweep stopped", "phase", p.name, "error", err)
			return err
		}
	}

	elapsed := e.now().Sub(start)
	e.metrics.SweepDone(elapsed.Seconds())
	log.Debug("sweep done", "elapsed", elapsed)
	return nil
}

// Run recovers stale locks, checks positions and sweeps every interval until ctx is done. It
// returns nil on cancellation and the error otherwise.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.log.Info("reconciler started", "interval", interval, "stale_lock_after", e.staleLockAfter)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			e.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick is one scheduled pass: lock recovery and the position check guard
// the sweep.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.RecoverStaleLocks(ctx); err != nil {
		return err
	}
	if err := e.CheckPositionBreaks(ctx); err != nil {
		return err
	}
	return e.Sweep(ctx)
}

// IsFatal reports whether err from Sweep or Run leaves the stacks needing
// manual repair.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrRollbackFailed)
}
