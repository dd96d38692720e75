package engine

import (
	"context"
	"errors"

	"futurestack/internal/domain"
	"futurestack/internal/util"
)

// Phase names, used as the metrics label and in logs.
const (
	phaseRecovery      = "recovery"
	phasePositions     = "position_check"
	phaseSpawn         = "spawn"
	phaseRolls         = "rolls"
	phaseAmendDown     = "amend_down"
	phaseCompletionUp  = "completion_up"
	phaseRejectionUp   = "rejection_up"
	phaseClearComplete = "clear_completed"
	phaseClearRejected = "clear_rejected"
	phaseFills         = "fills"
	phaseCompletions   = "completions"
)

// abandon records the failure of one unit of work and decides whether the
// sweep may carry on. Only a failed rollback is returned: the stacks may
// hold a half-inserted order tree and need an operator.
func (e *Engine) abandon(ctx context.Context, phase string, err error, attrs ...any) error {
	log := e.logger(ctx).With("phase", phase)
	args := append(attrs, "error", err)

	switch {
	case errors.Is(err, domain.ErrRollbackFailed):
		e.metrics.PhaseFailed(phase)
		util.Critical(log, "rollback failed, manual intervention required", args...)
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrOrphanReference), errors.Is(err, domain.ErrUnsupportedMultiLeg):
		e.metrics.PhaseFailed(phase)
		util.Critical(log, "abandoning order", args...)
	case errors.Is(err, domain.ErrLockedOrder), errors.Is(err, domain.ErrConcurrentUpdate):
		// Another process holds the order; it is retried next sweep.
		log.Debug("order busy, skipping", args...)
	default:
		e.metrics.PhaseFailed(phase)
		log.Warn("abandoning order", args...)
	}
	return nil
}
