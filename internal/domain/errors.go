package domain

import "errors"

// Stack and order errors. Callers test them with errors.Is; stacks wrap them
// with the order id and tier.
var (
	ErrMissingOrder   = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already on stack")
	ErrZeroOrder      = errors.New("zero quantity order not allowed")
	ErrLockedOrder    = errors.New("order is locked")
	ErrInactiveOrder  = errors.New("order is inactive")
	ErrActiveOrder    = errors.New("order is still active")

	ErrHasChildren   = errors.New("order already has children")
	ErrParentSet     = errors.New("order already has a parent")
	ErrLegMismatch   = errors.New("quantity legs do not match order legs")
	ErrOverfill      = errors.New("fill exceeds trade")
	ErrNoContractIDs = errors.New("contract order needs at least one contract id")

	ErrAlreadyModifying     = errors.New("order is already being modified")
	ErrModificationComplete = errors.New("order modification is complete but not cleared")
	ErrModificationRejected = errors.New("order modification was rejected and not cleared")
	ErrNotModifying         = errors.New("order is not being modified")

	// ErrConcurrentUpdate means the stored row changed between read and
	// write; the caller should retry on the next sweep.
	ErrConcurrentUpdate = errors.New("order changed concurrently")

	ErrOrphanReference     = errors.New("parent and child references disagree")
	ErrUnsupportedMultiLeg = errors.New("operation not supported for multi-leg orders")

	// ErrRollbackFailed is the only error that is fatal to the host process:
	// the stacks may hold a half-inserted order tree.
	ErrRollbackFailed = errors.New("transaction rollback failed")
)
