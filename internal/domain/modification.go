package domain

import "fmt"

// Modify starts an amendment to newTrade. An amendment below what has
// already been filled on any leg is rejected outright: the order moves to
// ModificationRejected and Modify returns nil.
func (o *OrderBase) Modify(newTrade Quantities) error {
	switch o.ModificationStatus {
	case BeingModified:
		return fmt.Errorf("order %d: %w", o.ID, ErrAlreadyModifying)
	case ModificationComplete:
		return fmt.Errorf("order %d: %w", o.ID, ErrModificationComplete)
	case ModificationRejected:
		return fmt.Errorf("order %d: %w", o.ID, ErrModificationRejected)
	}
	if len(newTrade) != len(o.Trade) {
		return fmt.Errorf("order %d modify %s trade %s: %w", o.ID, newTrade, o.Trade, ErrLegMismatch)
	}

	o.ModificationQuantity = newTrade.Clone()
	if !fillWithin(o.Fill, newTrade) {
		o.ModificationStatus = ModificationRejected
		return nil
	}
	o.ModificationStatus = BeingModified
	return nil
}

// Cancel is an amendment to whatever has already been filled.
func (o *OrderBase) Cancel() error {
	return o.Modify(o.Fill.Clone())
}

// IsFullCancel reports whether the pending amendment cancels all remaining
// quantity.
func (o *OrderBase) IsFullCancel() bool {
	return o.ModificationQuantity != nil && o.Fill.Equal(o.ModificationQuantity)
}

// CompleteModification marks an in-flight amendment as mirrored by the
// execution side.
func (o *OrderBase) CompleteModification() error {
	switch o.ModificationStatus {
	case BeingModified:
		o.ModificationStatus = ModificationComplete
		return nil
	case ModificationComplete:
		return nil
	case ModificationRejected:
		return fmt.Errorf("order %d: %w", o.ID, ErrModificationRejected)
	default:
		return fmt.Errorf("order %d: %w", o.ID, ErrNotModifying)
	}
}

// RejectModification forces the amendment into ModificationRejected. A
// completed amendment can still be rejected when a sibling failed.
func (o *OrderBase) RejectModification() error {
	switch o.ModificationStatus {
	case BeingModified, ModificationComplete:
		o.ModificationStatus = ModificationRejected
		return nil
	case ModificationRejected:
		return nil
	default:
		return fmt.Errorf("order %d: %w", o.ID, ErrNotModifying)
	}
}

// ClearModification returns the order to NotModifying. A completed amendment
// becomes the new trade; a rejected one is discarded. Clearing an amendment
// that is still in flight is refused.
func (o *OrderBase) ClearModification() error {
	switch o.ModificationStatus {
	case BeingModified:
		return fmt.Errorf("order %d: %w", o.ID, ErrAlreadyModifying)
	case ModificationComplete:
		o.Trade = o.ModificationQuantity.Clone()
	case ModificationRejected:
	default:
		return nil
	}
	o.ModificationStatus = NotModifying
	o.ModificationQuantity = nil
	return nil
}

// IsFinishedModifying reports whether the amendment has completed.
func (o *OrderBase) IsFinishedModifying() bool {
	return o.ModificationStatus == ModificationComplete
}

// IsRejectedModifying reports whether the amendment was rejected.
func (o *OrderBase) IsRejectedModifying() bool {
	return o.ModificationStatus == ModificationRejected
}
