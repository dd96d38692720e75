package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RollPseudoStrategy tags instrument orders created by roll generation. No
// real strategy may use this name.
const RollPseudoStrategy = "_ROLL_PSEUDO_STRATEGY"

// RollState is the operator-controlled roll status of an instrument.
type RollState string

const (
	// NoRoll trades only the priced contract.
	NoRoll RollState = "no_roll"
	// Passive lets strategy trades roll the position: reductions trade the
	// priced contract and increases trade the forward contract.
	Passive RollState = "passive"
	// Force rolls the whole position as a single calendar spread.
	Force RollState = "force"
	// ForceOutright rolls the whole position as two outright orders.
	ForceOutright RollState = "force_outright"
	// Close only allows trades that reduce the priced position.
	Close RollState = "close"
	// RollAdjusted means the roll has happened in the price series and the
	// positions must catch up before strategies trade again.
	RollAdjusted RollState = "roll_adjusted"
)

// ParseRollState validates a roll state name.
func ParseRollState(s string) (RollState, error) {
	switch r := RollState(s); r {
	case NoRoll, Passive, Force, ForceOutright, Close, RollAdjusted:
		return r, nil
	}
	return "", fmt.Errorf("unknown roll state %q", s)
}

// IsForced reports whether roll generation should create orders.
func (r RollState) IsForced() bool {
	return r == Force || r == ForceOutright
}

// AllowsStrategyTrades reports whether strategy orders may spawn children.
func (r RollState) AllowsStrategyTrades() bool {
	switch r {
	case NoRoll, Passive, Close:
		return true
	}
	return false
}

// RollParameters describes the contracts an instrument currently trades
// and rolls into.
type RollParameters struct {
	Instrument       string              `json:"instrument"`
	State            RollState           `json:"state"`
	PricedContract   string              `json:"priced_contract"`
	ForwardContract  string              `json:"forward_contract"`
	PricedReference  decimal.NullDecimal `json:"priced_reference"`
	ForwardReference decimal.NullDecimal `json:"forward_reference"`
}
