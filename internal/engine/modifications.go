package engine

import (
	"context"
	"errors"
	"fmt"

	"futurestack/internal/domain"
)

// alreadyAmended reports errors that mean a child already carries an
// amendment, so forwarding it again is a no-op.
func alreadyAmended(err error) bool {
	return errors.Is(err, domain.ErrAlreadyModifying) ||
		errors.Is(err, domain.ErrModificationComplete) ||
		errors.Is(err, domain.ErrModificationRejected)
}

// forEachID runs fn over ids, handing failures to abandon.
func (e *Engine) forEachID(ctx context.Context, phase, attr string, ids []domain.OrderID, fn func(context.Context, domain.OrderID) error) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, id); err != nil {
			if err := e.abandon(ctx, phase, err, attr, int64(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Amendments down
// ---------------------------------------------------------------------------

// PropagateAmendmentsDown forwards instrument order amendments to their
// contract orders.
func (e *Engine) PropagateAmendmentsDown(ctx context.Context) error {
	ids, err := e.instruments.BeingModifiedOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseAmendDown, err)
	}
	return e.forEachID(ctx, phaseAmendDown, "instrument_order_id", ids, e.amendDown)
}

func (e *Engine) amendDown(ctx context.Context, id domain.OrderID) error {
	parent, err := e.instruments.Get(ctx, id)
	if err != nil {
		return err
	}
	if parent.ModificationStatus != domain.BeingModified {
		return nil
	}
	log := e.logger(ctx).With(orderAttrs(parent)...)

	switch len(parent.Children) {
	case 0:
		// Nothing was sent anywhere, so the amendment takes effect at once.
		if err := e.instruments.CompleteModification(ctx, id); err != nil {
			return err
		}
		if err := e.instruments.ClearModification(ctx, id); err != nil {
			return err
		}
		log.Info("amended unspawned order", "trade", parent.ModificationQuantity.String())
		return nil

	case 1:
		childID := parent.Children[0]
		child, err := e.contracts.Get(ctx, childID)
		if err != nil {
			return err
		}
		if child.IsMultiLeg() {
			return fmt.Errorf("amending contract order %d: %w", childID, domain.ErrUnsupportedMultiLeg)
		}
		err = e.contracts.Modify(ctx, childID, parent.ModificationQuantity.Clone())
		if err != nil && !alreadyAmended(err) {
			return err
		}
		return nil

	default:
		if !parent.IsFullCancel() {
			log.Warn("rejecting amendment of a multi-child order that is not a full cancel",
				"trade", parent.Trade.String(), "requested", parent.ModificationQuantity.String())
			return e.instruments.RejectModification(ctx, id)
		}
		var errs []error
		for _, childID := range parent.Children {
			if _, err := e.contracts.Cancel(ctx, childID); err != nil && !alreadyAmended(err) {
				errs = append(errs, fmt.Errorf("cancelling contract order %d: %w", childID, err))
			}
		}
		return errors.Join(errs...)
	}
}

// ---------------------------------------------------------------------------
// Outcomes up
// ---------------------------------------------------------------------------

// parentOf loads the instrument order a contract order belongs to and
// checks that the parent lists it. ok is false for contract orders placed
// without a parent.
func (e *Engine) parentOf(ctx context.Context, child *domain.ContractOrder) (parent *domain.InstrumentOrder, ok bool, err error) {
	parentID, ok := child.ParentID()
	if !ok {
		return nil, false, nil
	}
	parent, err = e.instruments.Get(ctx, parentID)
	if err != nil {
		return nil, false, fmt.Errorf("parent of contract order %d: %w", child.ID, err)
	}
	if !parent.HasChild(child.ID) {
		return nil, false, fmt.Errorf("instrument order %d does not list contract order %d: %w",
			parentID, child.ID, domain.ErrOrphanReference)
	}
	return parent, true, nil
}

// childrenOf loads every contract order an instrument order lists.
func (e *Engine) childrenOf(ctx context.Context, parent *domain.InstrumentOrder) ([]*domain.ContractOrder, error) {
	children := make([]*domain.ContractOrder, 0, len(parent.Children))
	for _, id := range parent.Children {
		child, err := e.contracts.Get(ctx, id)
		if errors.Is(err, domain.ErrMissingOrder) {
			return nil, fmt.Errorf("instrument order %d lists missing contract order %d: %w",
				parent.ID, id, domain.ErrOrphanReference)
		}
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// PropagateCompletionUp marks an instrument order's amendment complete once
// every one of its contract orders has finished modifying.
func (e *Engine) PropagateCompletionUp(ctx context.Context) error {
	ids, err := e.contracts.FinishedModifyingOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseCompletionUp, err)
	}
	return e.forEachID(ctx, phaseCompletionUp, "contract_order_id", ids, e.completionUp)
}

func (e *Engine) completionUp(ctx context.Context, id domain.OrderID) error {
	child, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	parent, ok, err := e.parentOf(ctx, child)
	if err != nil || !ok {
		return err
	}
	if parent.ModificationStatus != domain.BeingModified {
		return nil
	}
	siblings, err := e.childrenOf(ctx, parent)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if !s.IsFinishedModifying() {
			return nil
		}
	}
	if err := e.instruments.CompleteModification(ctx, parent.ID); err != nil {
		return err
	}
	e.logger(ctx).Info("amendment complete", orderAttrs(parent)...)
	return nil
}

// PropagateRejectionUp rejects every sibling of a rejected contract order
// and then the instrument order itself.
func (e *Engine) PropagateRejectionUp(ctx context.Context) error {
	ids, err := e.contracts.RejectedModifyingOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseRejectionUp, err)
	}
	return e.forEachID(ctx, phaseRejectionUp, "contract_order_id", ids, e.rejectionUp)
}

func (e *Engine) rejectionUp(ctx context.Context, id domain.OrderID) error {
	child, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	parent, ok, err := e.parentOf(ctx, child)
	if err != nil {
		return err
	}
	if !ok || parent.ModificationStatus == domain.NotModifying {
		// No amendment above to reject: the rejection stops here.
		return e.contracts.ClearModification(ctx, id)
	}

	var errs []error
	for _, siblingID := range parent.Children {
		if siblingID == id {
			continue
		}
		err := e.contracts.RejectModification(ctx, siblingID)
		if err != nil && !errors.Is(err, domain.ErrNotModifying) {
			errs = append(errs, fmt.Errorf("rejecting contract order %d: %w", siblingID, err))
		}
	}
	if err := e.instruments.RejectModification(ctx, parent.ID); err != nil {
		errs = append(errs, err)
	} else {
		e.logger(ctx).Warn("amendment rejected", append(orderAttrs(parent), "rejected_by", int64(id))...)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Clearing
// ---------------------------------------------------------------------------

// ClearCompletedAmendments applies finished amendments to the children and
// then the parent once both tiers agree. A child already back to
// NotModifying was cleared by an earlier attempt that failed part way.
func (e *Engine) ClearCompletedAmendments(ctx context.Context) error {
	ids, err := e.instruments.FinishedModifyingOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseClearComplete, err)
	}
	return e.forEachID(ctx, phaseClearComplete, "instrument_order_id", ids, func(ctx context.Context, id domain.OrderID) error {
		return e.clearAmendment(ctx, id, func(c *domain.OrderBase) bool {
			return c.IsFinishedModifying() || c.ModificationStatus == domain.NotModifying
		})
	})
}

// ClearRejectedAmendments discards rejected amendments on the children and
// then the parent. Children never asked to amend are accepted as they are.
func (e *Engine) ClearRejectedAmendments(ctx context.Context) error {
	ids, err := e.instruments.RejectedModifyingOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseClearRejected, err)
	}
	return e.forEachID(ctx, phaseClearRejected, "instrument_order_id", ids, func(ctx context.Context, id domain.OrderID) error {
		return e.clearAmendment(ctx, id, func(c *domain.OrderBase) bool {
			return c.IsRejectedModifying() || c.ModificationStatus == domain.NotModifying
		})
	})
}

func (e *Engine) clearAmendment(ctx context.Context, id domain.OrderID, ready func(*domain.OrderBase) bool) error {
	parent, err := e.instruments.Get(ctx, id)
	if err != nil {
		return err
	}
	children, err := e.childrenOf(ctx, parent)
	if err != nil {
		return err
	}
	for _, c := range children {
		if !ready(c.Base()) {
			return nil
		}
	}
	for _, c := range children {
		if c.ModificationStatus == domain.NotModifying {
			continue
		}
		if err := e.contracts.ClearModification(ctx, c.ID); err != nil {
			return fmt.Errorf("clearing contract order %d: %w", c.ID, err)
		}
	}
	if err := e.instruments.ClearModification(ctx, id); err != nil {
		return err
	}

	if parent.ModificationStatus == domain.ModificationComplete {
		if err := e.releaseTrade(ctx, parent); err != nil {
			e.logger(ctx).Warn("releasing amended quantity from trade limits failed",
				append(orderAttrs(parent), "error", err)...)
		}
	}
	e.logger(ctx).Info("amendment cleared", append(orderAttrs(parent),
		"status", string(parent.ModificationStatus), "trade", parent.Trade.String(),
		"requested", parent.ModificationQuantity.String())...)
	return nil
}

// releaseTrade hands quantity an amendment removed back to the trade limits.
// Only spawned orders were counted against them.
func (e *Engine) releaseTrade(ctx context.Context, parent *domain.InstrumentOrder) error {
	if e.limits == nil || !parent.HasChildren() || len(parent.ModificationQuantity) != 1 {
		return nil
	}
	before, after := abs(parent.Quantity()), abs(parent.ModificationQuantity[0])
	if after >= before {
		return nil
	}
	return e.limits.RemoveTrade(ctx, parent.StrategyName, parent.InstrumentCode, before-after)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
