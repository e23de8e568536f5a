package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/service"
)

// BalanceConsumer drains the balance/ownership feed into the balance tracker,
// which re-reduces every non-terminal order whose make side the balance bounds.
type BalanceConsumer struct {
	bus      domain.SignalBus
	balances *service.BalanceService
	logger   *slog.Logger
}

func NewBalanceConsumer(bus domain.SignalBus, balances *service.BalanceService, logger *slog.Logger) *BalanceConsumer {
	return &BalanceConsumer{
		bus:      bus,
		balances: balances,
		logger:   logger.With(slog.String("component", "balance_consumer")),
	}
}

func (c *BalanceConsumer) Run(ctx context.Context) error {
	ch, err := c.bus.Subscribe(ctx, ChannelBalances)
	if err != nil {
		return fmt.Errorf("pipeline: subscribe %s: %w", ChannelBalances, err)
	}
	c.logger.InfoContext(ctx, "consuming balance updates", slog.String("channel", ChannelBalances))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var upd domain.BalanceUpdate
			if err := json.Unmarshal(payload, &upd); err != nil {
				c.logger.WarnContext(ctx, "dropping malformed balance update",
					slog.String("error", err.Error()))
				continue
			}
			if err := c.balances.Apply(ctx, upd); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.ErrorContext(ctx, "balance update failed",
					slog.String("owner", upd.Owner.Hex()),
					slog.String("asset", upd.AssetType.Key()),
					slog.String("error", err.Error()))
			}
		}
	}
}
