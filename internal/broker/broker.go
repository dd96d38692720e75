// Package broker connects the contract order stack to a market counterparty.
// A broker turns contract orders into broker orders, reports their fills back
// to the contract tier and acknowledges amendments.
package broker

import (
	"context"
	"log/slog"
	"time"
)

// Broker is polled on a timer by the reconciler process.
type Broker interface {
	// Name returns the broker identifier stored on broker orders.
	Name() string

	// Poll submits new contract orders and reports fills and amendment
	// outcomes. Errors on single orders are logged, not returned.
	Poll(ctx context.Context) error
}

// Run polls b every interval until ctx is done.
func Run(ctx context.Context, b Broker, interval time.Duration, log *slog.Logger) error {
	log = log.With("broker", b.Name())
	log.Info("broker started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn("broker poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			log.Info("broker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
