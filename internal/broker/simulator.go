package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
	"futurestack/internal/metrics"
	"futurestack/internal/store"
)

// Compile-time interface check.
var _ Broker = (*PaperBroker)(nil)

// PaperConfig configures a PaperBroker.
type PaperConfig struct {
	Account string
	// FillPrice is used when an order has neither a limit nor a reference
	// price.
	FillPrice decimal.Decimal
	// Commission is charged per contract filled.
	Commission decimal.Decimal
}

// InstrumentLocks reports instruments closed to new trading.
type InstrumentLocks interface {
	InstrumentLocked(ctx context.Context, instrument string) (bool, error)
}

// PaperBroker fills every contract order in full the moment it sees it and
// accepts every amendment. It writes to the same stacks as the reconciler,
// so it exercises the locking model without a market connection.
type PaperBroker struct {
	contracts store.OrderStack[*domain.ContractOrder]
	brokers   store.OrderStack[*domain.BrokerOrder]
	locks     InstrumentLocks
	cfg       PaperConfig
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	permID    atomic.Int64
}

// NewPaperBroker creates a PaperBroker over the contract and broker stacks.
// Orders in instruments locked in locks are left alone; locks may be nil.
func NewPaperBroker(contracts store.OrderStack[*domain.ContractOrder], brokers store.OrderStack[*domain.BrokerOrder],
	locks InstrumentLocks, cfg PaperConfig, m *metrics.Metrics, log *slog.Logger) *PaperBroker {
	if log == nil {
		log = slog.Default()
	}
	b := &PaperBroker{
		contracts: contracts,
		brokers:   brokers,
		locks:     locks,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
	b.permID.Store(time.Now().Unix())
	return b
}

// Name returns "paper".
func (b *PaperBroker) Name() string {
	return "paper"
}

// Poll acknowledges pending amendments, then places and fills new contract
// orders.
func (b *PaperBroker) Poll(ctx context.Context) error {
	ids, err := b.contracts.BeingModifiedOrderIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.contracts.CompleteModification(ctx, id); err != nil {
			b.skip(id, "acknowledging amendment", err)
			continue
		}
		b.log.Info("amendment acknowledged", "contract_order_id", int64(id))
	}

	ids, err = b.contracts.NewOrderIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.execute(ctx, id); err != nil {
			b.skip(id, "executing order", err)
		}
	}
	return nil
}

func (b *PaperBroker) skip(id domain.OrderID, what string, err error) {
	if errors.Is(err, domain.ErrLockedOrder) || errors.Is(err, domain.ErrConcurrentUpdate) {
		b.log.Debug("contract order busy", "contract_order_id", int64(id), "action", what)
		return
	}
	b.log.Warn("paper broker failed", "contract_order_id", int64(id), "action", what, "error", err)
}

// execute mirrors one contract order as a broker order and fills both.
func (b *PaperBroker) execute(ctx context.Context, id domain.OrderID) error {
	co, err := b.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	if !co.IsNew() || co.IsZeroTrade() {
		return nil
	}
	if b.locks != nil {
		locked, err := b.locks.InstrumentLocked(ctx, co.InstrumentCode)
		if err != nil || locked {
			return err
		}
	}

	bo := domain.NewBrokerOrder(b.Name(), co)
	bo.BrokerAccount = b.cfg.Account
	bo.BrokerTempID = uuid.NewString()
	if err := bo.SetParent(co.ID); err != nil {
		return err
	}
	boID, err := b.brokers.Put(ctx, bo, false)
	if err != nil {
		return fmt.Errorf("placing broker order: %w", err)
	}
	if err := b.contracts.AddChildren(ctx, co.ID, []domain.OrderID{boID}); err != nil {
		return errors.Join(err, b.brokers.Rollback(ctx, []domain.OrderID{boID}))
	}

	price := decimal.NewNullDecimal(b.fillPrice(co))
	at := b.now()
	err = b.brokers.Update(ctx, boID, func(o *domain.BrokerOrder) error {
		o.BrokerPermID = strconv.FormatInt(b.permID.Add(1), 10)
		o.Commission = decimal.NewNullDecimal(b.commission(o.Trade))
		return o.ApplyFill(o.Trade.Clone(), price, at)
	})
	if err != nil {
		return fmt.Errorf("filling broker order %d: %w", boID, err)
	}
	if err := b.contracts.ChangeFill(ctx, co.ID, co.Trade.Clone(), price, at); err != nil {
		return fmt.Errorf("reporting fill: %w", err)
	}
	if err := b.brokers.Deactivate(ctx, boID); err != nil {
		return err
	}

	b.metrics.Filled()
	b.log.Info("paper fill",
		"contract_order_id", int64(co.ID), "broker_order_id", int64(boID),
		"contracts", co.ContractIDs, "fill", co.Trade.String(), "price", price.Decimal.String())
	return nil
}

func (b *PaperBroker) fillPrice(co *domain.ContractOrder) decimal.Decimal {
	switch {
	case co.LimitPrice.Valid:
		return co.LimitPrice.Decimal
	case co.ReferencePrice.Valid:
		return co.ReferencePrice.Decimal
	default:
		return b.cfg.FillPrice
	}
}

func (b *PaperBroker) commission(trade domain.Quantities) decimal.Decimal {
	var contracts int64
	for _, q := range trade {
		if q < 0 {
			q = -q
		}
		contracts += q
	}
	return b.cfg.Commission.Mul(decimal.NewFromInt(contracts))
}
