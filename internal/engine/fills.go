package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
	"futurestack/internal/util"
)

// AggregateFills copies contract order fills onto their instrument orders.
// Each parent is visited at most once per sweep.
func (e *Engine) AggregateFills(ctx context.Context) error {
	ids, err := e.contracts.FilledOrderIDs(ctx)
	if err != nil {
		return e.abandon(ctx, phaseFills, err)
	}

	seen := make(map[domain.OrderID]bool)
	return e.forEachID(ctx, phaseFills, "contract_order_id", ids, func(ctx context.Context, id domain.OrderID) error {
		child, err := e.contracts.Get(ctx, id)
		if err != nil {
			return err
		}
		parentID, ok := child.ParentID()
		if !ok || seen[parentID] {
			return nil
		}
		seen[parentID] = true

		parent, ok, err := e.parentOf(ctx, child)
		if err != nil || !ok {
			return err
		}
		return e.aggregateFill(ctx, parent)
	})
}

func (e *Engine) aggregateFill(ctx context.Context, parent *domain.InstrumentOrder) error {
	children, err := e.childrenOf(ctx, parent)
	if err != nil {
		return err
	}
	log := e.logger(ctx).With(orderAttrs(parent)...)

	var agg aggregatedFill
	switch {
	case len(children) == 1 && !children[0].IsMultiLeg():
		c := children[0]
		agg = aggregatedFill{fill: c.Fill.Clone(), price: c.FilledPrice, at: c.FillTime}

	case parent.IsZeroTrade():
		// A roll parent trades nothing itself; its children carry the fills.
		log.Debug("zero trade parent, no fill to aggregate")
		return nil

	default:
		var ok bool
		agg, ok = distributedFill(parent, children)
		if !ok {
			e.metrics.PhaseFailed(phaseFills)
			util.Critical(log, "cannot aggregate spread fills, manual intervention required",
				"children", len(parent.Children), "trade", parent.Trade.String())
			return nil
		}
	}

	if agg.fill.Equal(parent.Fill) && samePrice(agg.price, parent.FilledPrice) {
		return nil
	}
	if err := e.instruments.ChangeFill(ctx, parent.ID, agg.fill, agg.price, agg.at); err != nil {
		return fmt.Errorf("filling instrument order %d: %w", parent.ID, err)
	}
	log.Info("fill updated", "fill", agg.fill.String(), "price", agg.price.Decimal.String())
	return nil
}

type aggregatedFill struct {
	fill  domain.Quantities
	price decimal.NullDecimal
	at    time.Time
}

// distributedFill sums the fills of an order spread over several outright
// contracts, as a passive roll split produces. The price is the fill
// weighted average and the time the latest fill. ok is false for anything
// else, such as a calendar spread.
func distributedFill(parent *domain.InstrumentOrder, children []*domain.ContractOrder) (aggregatedFill, bool) {
	trade := parent.Quantity()
	var (
		total    int64
		filled   int64
		notional decimal.Decimal
		priced   int64
		at       time.Time
	)
	for _, c := range children {
		if c.IsMultiLeg() {
			return aggregatedFill{}, false
		}
		qty := c.Trade[0]
		if qty != 0 && !sameSign(qty, trade) {
			return aggregatedFill{}, false
		}
		total += qty

		f := c.Fill[0]
		if f == 0 {
			continue
		}
		filled += f
		if c.FilledPrice.Valid {
			notional = notional.Add(c.FilledPrice.Decimal.Mul(decimal.NewFromInt(abs(f))))
			priced += abs(f)
		}
		if c.FillTime.After(at) {
			at = c.FillTime
		}
	}
	if total != trade {
		return aggregatedFill{}, false
	}

	agg := aggregatedFill{fill: domain.Quantities{filled}, at: at}
	if priced > 0 {
		agg.price = decimal.NewNullDecimal(notional.Div(decimal.NewFromInt(priced)))
	}
	return agg, true
}

func samePrice(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
