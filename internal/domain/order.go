// Package domain defines the order model shared by the order stacks and the
// reconciliation engine: instrument, contract and broker orders, their
// quantities, and the modification state machine.
package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderID identifies an order within its own stack. Ids are assigned on
// insertion and never reused.
type OrderID int64

// Tier names the stack an order lives on.
type Tier string

const (
	TierInstrument Tier = "instrument"
	TierContract   Tier = "contract"
	TierBroker     Tier = "broker"
)

// OrderType is the execution instruction carried by an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeBest      OrderType = "best"
	OrderTypeZeroRoll  OrderType = "zero_roll"
	OrderTypeBalance   OrderType = "balance"
	OrderTypeUndefined OrderType = ""
)

// ModificationStatus is the amendment state of an order. Exactly one value
// holds at a time.
type ModificationStatus string

const (
	NotModifying         ModificationStatus = "not_modifying"
	BeingModified        ModificationStatus = "being_modified"
	ModificationComplete ModificationStatus = "modification_complete"
	ModificationRejected ModificationStatus = "modification_rejected"
)

// Order is implemented by *InstrumentOrder, *ContractOrder and *BrokerOrder.
type Order interface {
	// Base exposes the fields every tier shares.
	Base() *OrderBase

	// Tier returns the stack this order belongs on.
	Tier() Tier

	// Key is the natural key used for duplicate detection. Two active
	// orders on the same stack never share a key.
	Key() string
}

// ---------------------------------------------------------------------------
// Shared order shape
// ---------------------------------------------------------------------------

// OrderBase holds the fields common to all three tiers.
type OrderBase struct {
	ID             OrderID    `json:"id"`
	StrategyName   string     `json:"strategy_name"`
	InstrumentCode string     `json:"instrument_code"`
	ContractIDs    []string   `json:"contract_ids,omitempty"`
	Trade          Quantities `json:"trade"`
	Fill           Quantities `json:"fill"`

	FilledPrice decimal.NullDecimal `json:"filled_price"`
	FillTime    time.Time           `json:"fill_time"`
	OrderType   OrderType           `json:"order_type,omitempty"`
	LimitPrice  decimal.NullDecimal `json:"limit_price"`

	ModificationStatus   ModificationStatus `json:"modification_status"`
	ModificationQuantity Quantities         `json:"modification_quantity,omitempty"`

	Parent   *OrderID  `json:"parent,omitempty"`
	Children []OrderID `json:"children,omitempty"`

	Locked      bool      `json:"locked"`
	Active      bool      `json:"active"`
	RollOrder   bool      `json:"roll_order,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

func newBase(strategy, instrument string, contractIDs []string, trade Quantities) OrderBase {
	return OrderBase{
		StrategyName:       strategy,
		InstrumentCode:     instrument,
		ContractIDs:        contractIDs,
		Trade:              trade,
		Fill:               ZeroQuantities(len(trade)),
		ModificationStatus: NotModifying,
		Active:             true,
		GeneratedAt:        time.Now().UTC(),
	}
}

// Legs is the number of quantity legs.
func (o *OrderBase) Legs() int { return len(o.Trade) }

// IsMultiLeg reports whether the order spans more than one contract.
func (o *OrderBase) IsMultiLeg() bool { return len(o.Trade) > 1 }

// ParentID returns the parent id, if one has been set.
func (o *OrderBase) ParentID() (OrderID, bool) {
	if o.Parent == nil {
		return 0, false
	}
	return *o.Parent, true
}

// SetParent records the parent. The parent is immutable once set.
func (o *OrderBase) SetParent(id OrderID) error {
	if o.Parent != nil && *o.Parent != id {
		return fmt.Errorf("order %d parent %d: %w", o.ID, *o.Parent, ErrParentSet)
	}
	o.Parent = &id
	return nil
}

// HasChildren reports whether child orders have been linked.
func (o *OrderBase) HasChildren() bool { return len(o.Children) > 0 }

// HasChild reports whether id is one of this order's children.
func (o *OrderBase) HasChild(id OrderID) bool { return slices.Contains(o.Children, id) }

// AddChildren links child ids. Children can only be added once.
func (o *OrderBase) AddChildren(ids []OrderID) error {
	if o.HasChildren() {
		return fmt.Errorf("order %d: %w", o.ID, ErrHasChildren)
	}
	o.Children = slices.Clone(ids)
	return nil
}

// FillIsZero reports whether nothing has been filled yet.
func (o *OrderBase) FillIsZero() bool { return o.Fill.IsZero() }

// IsZeroTrade reports whether every leg of the trade is zero.
func (o *OrderBase) IsZeroTrade() bool { return o.Trade.IsZero() }

// NetsToZero reports whether the legs sum to zero, as a roll does.
func (o *OrderBase) NetsToZero() bool { return o.Trade.Total() == 0 }

// IsCompleted reports whether every leg is fully filled.
func (o *OrderBase) IsCompleted() bool { return o.Fill.Equal(o.Trade) }

// IsNew reports whether the order is waiting to spawn children: active,
// unlocked, childless, unfilled and not amending.
func (o *OrderBase) IsNew() bool {
	return o.Active && !o.Locked && !o.HasChildren() && o.FillIsZero() &&
		o.ModificationStatus == NotModifying
}

// ApplyFill sets the cumulative fill. Fills may not exceed the trade or have
// the opposite sign.
func (o *OrderBase) ApplyFill(fill Quantities, price decimal.NullDecimal, at time.Time) error {
	if len(fill) != len(o.Trade) {
		return fmt.Errorf("order %d fill %s trade %s: %w", o.ID, fill, o.Trade, ErrLegMismatch)
	}
	if !fillWithin(fill, o.Trade) {
		return fmt.Errorf("order %d fill %s trade %s: %w", o.ID, fill, o.Trade, ErrOverfill)
	}
	o.Fill = fill.Clone()
	o.FilledPrice = price
	o.FillTime = at
	return nil
}

// Deactivate marks the order as finished. It can never become active again.
func (o *OrderBase) Deactivate() error {
	if !o.Active {
		return fmt.Errorf("order %d: %w", o.ID, ErrInactiveOrder)
	}
	o.Active = false
	return nil
}

// contractKey joins sorted contract ids the way they appear in natural keys.
func contractKey(ids []string) string {
	return strings.Join(ids, "_")
}

func parentSuffix(parent *OrderID) string {
	if parent == nil {
		return ""
	}
	return fmt.Sprintf("@%d", *parent)
}

func (o *OrderBase) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(id:%d) %s/%s", o.ID, o.StrategyName, o.InstrumentCode)
	if len(o.ContractIDs) > 0 {
		fmt.Fprintf(&b, "/%s", contractKey(o.ContractIDs))
	}
	fmt.Fprintf(&b, " trade %s fill %s %s", o.Trade, o.Fill, o.ModificationStatus)
	if o.ModificationQuantity != nil {
		fmt.Fprintf(&b, "(qty %s)", o.ModificationQuantity)
	}
	if o.Parent != nil {
		fmt.Fprintf(&b, " parent:%d", *o.Parent)
	}
	if o.HasChildren() {
		fmt.Fprintf(&b, " children:%v", o.Children)
	}
	if o.Locked {
		b.WriteString(" LOCKED")
	}
	if !o.Active {
		b.WriteString(" INACTIVE")
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Variants
// ---------------------------------------------------------------------------

// InstrumentOrder is a strategy-level trade in one instrument. It has a single
// leg and no contract ids.
type InstrumentOrder struct {
	OrderBase
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
}

var _ Order = (*InstrumentOrder)(nil)

// NewInstrumentOrder creates an unlocked, childless instrument order.
func NewInstrumentOrder(strategy, instrument string, trade int64) *InstrumentOrder {
	return &InstrumentOrder{OrderBase: newBase(strategy, instrument, nil, Quantities{trade})}
}

func (o *InstrumentOrder) Base() *OrderBase { return &o.OrderBase }
func (o *InstrumentOrder) Tier() Tier       { return TierInstrument }

// Key is strategy/instrument.
func (o *InstrumentOrder) Key() string {
	return o.StrategyName + "/" + o.InstrumentCode
}

// Quantity is the single-leg trade.
func (o *InstrumentOrder) Quantity() int64 {
	if len(o.Trade) == 0 {
		return 0
	}
	return o.Trade[0]
}

// ContractOrder is an order in one or more specific futures contracts, derived
// from an instrument order.
type ContractOrder struct {
	OrderBase
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	AlgoToUse      string              `json:"algo_to_use,omitempty"`
	CalendarSpread bool                `json:"calendar_spread,omitempty"`
	InterSpread    bool                `json:"inter_spread,omitempty"`
}

var _ Order = (*ContractOrder)(nil)

// NewContractOrder creates a contract order. Contract ids are sorted and the
// trade legs reordered to match; a multi-leg order is a calendar spread.
func NewContractOrder(strategy, instrument string, contractIDs []string, trade Quantities) (*ContractOrder, error) {
	if len(contractIDs) == 0 {
		return nil, ErrNoContractIDs
	}
	if len(contractIDs) != len(trade) {
		return nil, fmt.Errorf("%d contracts, %d legs: %w", len(contractIDs), len(trade), ErrLegMismatch)
	}
	ids, legs := sortLegs(contractIDs, trade)
	return &ContractOrder{
		OrderBase:      newBase(strategy, instrument, ids, legs),
		CalendarSpread: len(ids) > 1,
	}, nil
}

func (o *ContractOrder) Base() *OrderBase { return &o.OrderBase }
func (o *ContractOrder) Tier() Tier       { return TierContract }

// Key is strategy/instrument/contracts, scoped by parent so that children of
// different instrument orders never collide.
func (o *ContractOrder) Key() string {
	return o.StrategyName + "/" + o.InstrumentCode + "/" + contractKey(o.ContractIDs) + parentSuffix(o.Parent)
}

// BrokerOrder is the broker-facing copy of a contract order.
type BrokerOrder struct {
	OrderBase
	Broker         string              `json:"broker"`
	BrokerAccount  string              `json:"broker_account,omitempty"`
	BrokerClientID int64               `json:"broker_client_id,omitempty"`
	BrokerTempID   string              `json:"broker_temp_id,omitempty"`
	BrokerPermID   string              `json:"broker_perm_id,omitempty"`
	Commission     decimal.NullDecimal `json:"commission"`
}

var _ Order = (*BrokerOrder)(nil)

// NewBrokerOrder mirrors a contract order for submission to a broker.
func NewBrokerOrder(broker string, from *ContractOrder) *BrokerOrder {
	b := &BrokerOrder{
		OrderBase: newBase(from.StrategyName, from.InstrumentCode,
			slices.Clone(from.ContractIDs), from.Trade.Clone()),
		Broker: broker,
	}
	b.OrderType = from.OrderType
	b.LimitPrice = from.LimitPrice
	b.RollOrder = from.RollOrder
	return b
}

func (o *BrokerOrder) Base() *OrderBase { return &o.OrderBase }
func (o *BrokerOrder) Tier() Tier       { return TierBroker }

// Key is strategy/instrument/contracts scoped by the parent contract order.
func (o *BrokerOrder) Key() string {
	return o.StrategyName + "/" + o.InstrumentCode + "/" + contractKey(o.ContractIDs) + parentSuffix(o.Parent)
}

func sortLegs(ids []string, trade Quantities) ([]string, Quantities) {
	idx := make([]int, len(ids))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return ids[idx[a]] < ids[idx[b]] })

	outIDs := make([]string, len(ids))
	outTrade := make(Quantities, len(trade))
	for i, j := range idx {
		outIDs[i] = ids[j]
		outTrade[i] = trade[j]
	}
	return outIDs, outTrade
}
