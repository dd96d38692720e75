package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
)

// RollStateSizer places an instrument trade in the priced and forward
// contracts according to the instrument's roll state:
//
//   - no_roll: the whole trade in the priced contract
//   - close: as no_roll, but only trades that reduce the priced position
//   - passive: increases go to the forward contract; reductions go to the
//     priced contract, split across both when they would flip its position
//   - force, force_outright, roll_adjusted: nothing until the roll is done
type RollStateSizer struct {
	rolls     RollCalendar
	positions ContractPositions
	log       *slog.Logger
}

// NewRollStateSizer creates a RollStateSizer.
func NewRollStateSizer(rolls RollCalendar, positions ContractPositions, log *slog.Logger) *RollStateSizer {
	return &RollStateSizer{rolls: rolls, positions: positions, log: log}
}

type contractTrade struct {
	contract  string
	qty       int64
	reference decimal.NullDecimal
}

// ChildOrders implements ChildSizer.
func (s *RollStateSizer) ChildOrders(ctx context.Context, parent *domain.InstrumentOrder) ([]*domain.ContractOrder, error) {
	if parent.IsMultiLeg() {
		return nil, fmt.Errorf("instrument order %d: %w", parent.ID, domain.ErrUnsupportedMultiLeg)
	}
	trade := parent.Quantity()
	if trade == 0 {
		return nil, nil
	}

	p, err := s.rolls.RollParameters(ctx, parent.InstrumentCode)
	if err != nil {
		return nil, fmt.Errorf("sizing %s: %w", parent.InstrumentCode, err)
	}
	priced := contractTrade{contract: p.PricedContract, reference: p.PricedReference}
	forward := contractTrade{contract: p.ForwardContract, reference: p.ForwardReference}

	if !p.State.AllowsStrategyTrades() {
		s.log.Info("roll in progress, not spawning",
			"instrument", parent.InstrumentCode, "roll_state", string(p.State),
			"instrument_order_id", int64(parent.ID))
		return nil, nil
	}

	var trades []contractTrade
	switch p.State {
	case domain.Passive:
		held, err := s.positions.ContractPosition(ctx, parent.InstrumentCode, p.PricedContract)
		if err != nil {
			return nil, err
		}
		trades = passiveSplit(trade, held, priced, forward)

	case domain.Close:
		held, err := s.positions.ContractPosition(ctx, parent.InstrumentCode, p.PricedContract)
		if err != nil {
			return nil, err
		}
		if !reduces(trade, held) {
			s.log.Info("instrument closing, only reducing trades allowed",
				"instrument", parent.InstrumentCode, "instrument_order_id", int64(parent.ID),
				"trade", trade, "position", held)
			return nil, nil
		}
		priced.qty = trade
		trades = []contractTrade{priced}

	default:
		priced.qty = trade
		trades = []contractTrade{priced}
	}

	children := make([]*domain.ContractOrder, 0, len(trades))
	for _, t := range trades {
		if t.contract == "" {
			return nil, fmt.Errorf("sizing %s: no contract configured for roll state %s", parent.InstrumentCode, p.State)
		}
		co, err := domain.NewContractOrder(parent.StrategyName, parent.InstrumentCode, []string{t.contract}, domain.Quantities{t.qty})
		if err != nil {
			return nil, err
		}
		co.OrderType = parent.OrderType
		co.LimitPrice = parent.LimitPrice
		co.ReferencePrice = t.reference
		if !co.ReferencePrice.Valid {
			co.ReferencePrice = parent.ReferencePrice
		}
		children = append(children, co)
	}
	return children, nil
}

// passiveSplit sizes a trade during a passive roll given the position held
// in the priced contract.
func passiveSplit(trade, held int64, priced, forward contractTrade) []contractTrade {
	if held == 0 || sameSign(trade, held) {
		forward.qty = trade
		return []contractTrade{forward}
	}
	if reduces(trade, held) {
		priced.qty = trade
		return []contractTrade{priced}
	}
	// Close out the priced contract and put the rest in the forward one.
	priced.qty = -held
	forward.qty = trade + held
	return []contractTrade{priced, forward}
}

// reduces reports whether trade shrinks held towards zero without crossing it.
func reduces(trade, held int64) bool {
	if held == 0 || sameSign(trade, held) {
		return false
	}
	after := held + trade
	return after == 0 || sameSign(after, held)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
