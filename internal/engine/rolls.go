package engine

import (
	"context"
	"errors"
	"fmt"

	"futurestack/internal/domain"
	"futurestack/internal/store"
)

// GenerateRollOrders places a roll order set for every instrument holding a
// position whose roll state is forced. At most one roll per instrument is in
// flight: the pseudo-strategy instrument order doubles as the guard.
func (e *Engine) GenerateRollOrders(ctx context.Context) error {
	if e.rolls == nil || e.positions == nil {
		return nil
	}
	instruments, err := e.positions.InstrumentsWithPositions(ctx)
	if err != nil {
		return e.abandon(ctx, phaseRolls, err)
	}
	for _, instrument := range instruments {
		if err := e.GenerateRollOrdersFor(ctx, instrument); err != nil {
			if err := e.abandon(ctx, phaseRolls, err, "instrument", instrument); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateRollOrdersFor places the roll order set for one instrument if its
// roll state asks for one.
func (e *Engine) GenerateRollOrdersFor(ctx context.Context, instrument string) error {
	p, err := e.rolls.RollParameters(ctx, instrument)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.State.IsForced() {
		return nil
	}
	locked, err := e.instrumentLocked(ctx, instrument)
	if err != nil || locked {
		return err
	}

	held, err := e.positions.ContractPosition(ctx, instrument, p.PricedContract)
	if err != nil {
		return err
	}
	if held == 0 {
		return nil
	}

	parent, children, err := rollOrders(p, held)
	if err != nil {
		return err
	}
	placed, err := e.addParentAndChildren(ctx, parent, children)
	if err != nil {
		return err
	}
	if placed {
		e.metrics.RollPlaced()
		e.logger(ctx).Info("placed roll orders",
			"instrument", instrument, "roll_state", string(p.State),
			"instrument_order_id", int64(parent.ID), "position", held)
	}
	return nil
}

// rollOrders builds the zero-quantity parent and the contract orders that
// move held contracts from the priced to the forward contract.
func rollOrders(p domain.RollParameters, held int64) (*domain.InstrumentOrder, []*domain.ContractOrder, error) {
	if p.PricedContract == "" || p.ForwardContract == "" || p.PricedContract == p.ForwardContract {
		return nil, nil, fmt.Errorf("roll %s: priced %q and forward %q contracts must differ",
			p.Instrument, p.PricedContract, p.ForwardContract)
	}

	parent := domain.NewInstrumentOrder(domain.RollPseudoStrategy, p.Instrument, 0)
	parent.RollOrder = true
	parent.OrderType = domain.OrderTypeZeroRoll

	var children []*domain.ContractOrder
	switch p.State {
	case domain.ForceOutright:
		closing, err := domain.NewContractOrder(domain.RollPseudoStrategy, p.Instrument,
			[]string{p.PricedContract}, domain.Quantities{-held})
		if err != nil {
			return nil, nil, err
		}
		closing.ReferencePrice = p.PricedReference

		opening, err := domain.NewContractOrder(domain.RollPseudoStrategy, p.Instrument,
			[]string{p.ForwardContract}, domain.Quantities{held})
		if err != nil {
			return nil, nil, err
		}
		opening.ReferencePrice = p.ForwardReference

		closing.InterSpread, opening.InterSpread = true, true
		children = []*domain.ContractOrder{closing, opening}

	case domain.Force:
		spread, err := domain.NewContractOrder(domain.RollPseudoStrategy, p.Instrument,
			[]string{p.PricedContract, p.ForwardContract}, domain.Quantities{-held, held})
		if err != nil {
			return nil, nil, err
		}
		if p.PricedReference.Valid && p.ForwardReference.Valid {
			spread.ReferencePrice.Decimal = p.PricedReference.Decimal.Sub(p.ForwardReference.Decimal)
			spread.ReferencePrice.Valid = true
		}
		children = []*domain.ContractOrder{spread}

	default:
		return nil, nil, fmt.Errorf("roll %s: state %s does not generate orders", p.Instrument, p.State)
	}

	for _, c := range children {
		c.RollOrder = true
	}
	return parent, children, nil
}
