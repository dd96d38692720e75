// Package risk implements trade limits: the maximum number of contracts an
// instrument, or a strategy within it, may trade over a rolling window.
package risk

import (
	"context"
	"fmt"
	"time"
)

// Limits configures a Limiter. Zero means unlimited.
type Limits struct {
	Window        time.Duration
	DefaultMax    int64
	PerInstrument map[string]int64
	PerStrategy   map[string]int64 // keyed by "strategy/instrument"
}

// TradeLog persists counted trades, so every process sharing it sees the
// same usage.
type TradeLog interface {
	// RecordTrade stores qty contracts; negative qty hands quantity back.
	RecordTrade(ctx context.Context, strategy, instrument string, qty int64, at time.Time) error

	// TradedSince sums qty for an instrument from since onwards. An empty
	// strategy sums every strategy.
	TradedSince(ctx context.Context, instrument, strategy string, since time.Time) (int64, error)

	// PruneTrades drops records older than before.
	PruneTrades(ctx context.Context, before time.Time) (int, error)
}

// Limiter counts traded contracts per instrument over a rolling window. The
// counts live in a TradeLog; the Limiter itself holds no state besides its
// configuration.
type Limiter struct {
	limits Limits
	log    TradeLog
	now    func() time.Time
}

// NewLimiter creates a Limiter with the given limits over log.
func NewLimiter(limits Limits, log TradeLog) *Limiter {
	return &Limiter{limits: limits, log: log, now: time.Now}
}

// WhatTradeIsPossible clips proposed so that the instrument and strategy
// limits hold. The sign of proposed is preserved.
func (l *Limiter) WhatTradeIsPossible(ctx context.Context, strategy, instrument string, proposed int64) (int64, error) {
	size := abs(proposed)
	if limit := l.instrumentMax(instrument); limit > 0 {
		used, err := l.used(ctx, instrument, "")
		if err != nil {
			return 0, err
		}
		size = min(size, limit-used)
	}
	if limit := l.limits.PerStrategy[strategy+"/"+instrument]; limit > 0 {
		used, err := l.used(ctx, instrument, strategy)
		if err != nil {
			return 0, err
		}
		size = min(size, limit-used)
	}
	if size <= 0 {
		return 0, nil
	}
	if proposed < 0 {
		return -size, nil
	}
	return size, nil
}

// AddTrade counts a trade against the limits.
func (l *Limiter) AddTrade(ctx context.Context, strategy, instrument string, qty int64) error {
	if err := l.record(ctx, strategy, instrument, abs(qty)); err != nil {
		return err
	}
	if l.limits.Window > 0 {
		if _, err := l.log.PruneTrades(ctx, l.now().Add(-l.limits.Window)); err != nil {
			return fmt.Errorf("pruning trade records: %w", err)
		}
	}
	return nil
}

// RemoveTrade gives back quantity that will no longer be traded, for example
// after an amendment shrinks an order.
func (l *Limiter) RemoveTrade(ctx context.Context, strategy, instrument string, qty int64) error {
	return l.record(ctx, strategy, instrument, -abs(qty))
}

func (l *Limiter) record(ctx context.Context, strategy, instrument string, qty int64) error {
	if qty == 0 {
		return nil
	}
	return l.log.RecordTrade(ctx, strategy, instrument, qty, l.now())
}

// Used returns the contracts counted for an instrument within the window.
func (l *Limiter) Used(ctx context.Context, instrument string) (int64, error) {
	return l.used(ctx, instrument, "")
}

func (l *Limiter) instrumentMax(instrument string) int64 {
	if limit, ok := l.limits.PerInstrument[instrument]; ok {
		return limit
	}
	return l.limits.DefaultMax
}

// used counts one strategy, or every strategy when strategy is empty.
func (l *Limiter) used(ctx context.Context, instrument, strategy string) (int64, error) {
	var since time.Time
	if l.limits.Window > 0 {
		since = l.now().Add(-l.limits.Window)
	}
	total, err := l.log.TradedSince(ctx, instrument, strategy, since)
	if err != nil {
		return 0, fmt.Errorf("reading trade records %s: %w", instrument, err)
	}
	return max(total, 0), nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
