package engine

import (
	"context"
	"errors"
	"fmt"

	"futurestack/internal/domain"
)

// addParentAndChildren inserts a new instrument order and its contract
// orders as one unit. If the parent is already on the stack the call is a
// no-op and placed is false. On failure neither the parent nor any child is
// left on the stacks; if that cannot be guaranteed the error wraps
// domain.ErrRollbackFailed.
func (e *Engine) addParentAndChildren(ctx context.Context, parent *domain.InstrumentOrder, children []*domain.ContractOrder) (placed bool, err error) {
	parent.Locked = true
	parentID, err := e.instruments.Put(ctx, parent, true)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("putting parent %s: %w", parent.Key(), err)
	}

	childIDs, err := e.putChildren(ctx, parentID, children)
	if err == nil {
		err = e.linkChildren(ctx, parentID, childIDs)
	}
	if err == nil {
		return true, nil
	}

	e.metrics.RolledBack()
	if rbErr := e.instruments.Rollback(ctx, []domain.OrderID{parentID}); rbErr != nil {
		return false, errors.Join(err, rbErr)
	}
	if len(childIDs) > 0 {
		if rbErr := e.contracts.Rollback(ctx, childIDs); rbErr != nil {
			return false, errors.Join(err, rbErr)
		}
	}
	return false, err
}

// addChildrenToExistingParent spawns children for an instrument order already
// on the stack. The parent stays locked until the children are inserted.
// Once the parent lists its children nothing is rolled back: a child left
// locked is released by stale lock recovery.
func (e *Engine) addChildrenToExistingParent(ctx context.Context, parent *domain.InstrumentOrder, children []*domain.ContractOrder) error {
	if err := e.instruments.Lock(ctx, parent.ID); err != nil {
		return err
	}

	childIDs, err := e.putChildren(ctx, parent.ID, children)
	if err != nil {
		e.metrics.RolledBack()
		if unlockErr := e.instruments.Unlock(ctx, parent.ID); unlockErr != nil {
			return errors.Join(err, unlockErr)
		}
		return err
	}

	if err := e.instruments.Unlock(ctx, parent.ID); err != nil {
		return e.rollbackChildren(ctx, childIDs, err)
	}
	if err := e.instruments.AddChildren(ctx, parent.ID, childIDs); err != nil {
		return e.rollbackChildren(ctx, childIDs, err)
	}
	for _, id := range childIDs {
		if err := e.contracts.Unlock(ctx, id); err != nil {
			return fmt.Errorf("unlocking child %d of %d: %w", id, parent.ID, err)
		}
	}
	return nil
}

// putChildren stamps the parent id on each child and inserts them locked.
// PutList removes its own partial inserts on failure.
func (e *Engine) putChildren(ctx context.Context, parentID domain.OrderID, children []*domain.ContractOrder) ([]domain.OrderID, error) {
	for _, c := range children {
		if err := c.SetParent(parentID); err != nil {
			return nil, err
		}
	}
	ids, err := e.contracts.PutList(ctx, children, false)
	if err != nil {
		return nil, fmt.Errorf("putting children of %d: %w", parentID, err)
	}
	return ids, nil
}

// linkChildren finishes a new-parent transaction: unlock the parent, record
// its children, then release the children.
func (e *Engine) linkChildren(ctx context.Context, parentID domain.OrderID, childIDs []domain.OrderID) error {
	if err := e.instruments.Unlock(ctx, parentID); err != nil {
		return err
	}
	if err := e.instruments.AddChildren(ctx, parentID, childIDs); err != nil {
		return err
	}
	for _, id := range childIDs {
		if err := e.contracts.Unlock(ctx, id); err != nil {
			return fmt.Errorf("unlocking child %d of %d: %w", id, parentID, err)
		}
	}
	return nil
}

func (e *Engine) rollbackChildren(ctx context.Context, childIDs []domain.OrderID, cause error) error {
	e.metrics.RolledBack()
	if rbErr := e.contracts.Rollback(ctx, childIDs); rbErr != nil {
		return errors.Join(cause, rbErr)
	}
	return cause
}
