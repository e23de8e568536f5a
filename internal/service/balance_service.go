package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// OrderUpdater triggers a full re-reduction of one order.
type OrderUpdater interface {
	Update(ctx context.Context, hash common.Hash) error
}

// BalanceService applies external balance/ownership updates and retriggers the
// orders they fund. The store enforces last-write-wins by AsOf, so updates may
// arrive in any order; a stale update is dropped without touching any order.
type BalanceService struct {
	balances domain.BalanceStore
	orders   domain.OrderStore
	updates  OrderUpdater
	logger   *slog.Logger
}

// NewBalanceService creates a BalanceService.
func NewBalanceService(
	balances domain.BalanceStore,
	orders domain.OrderStore,
	updates OrderUpdater,
	logger *slog.Logger,
) *BalanceService {
	return &BalanceService{
		balances: balances,
		orders:   orders,
		updates:  updates,
		logger:   logger.With(slog.String("component", "balance_service")),
	}
}

// Apply persists the update and re-reduces every non-terminal order funded by
// (owner, assetType). Individual order failures are logged and skipped; the
// balance fact is already durable, so a later trigger converges the stragglers.
func (s *BalanceService) Apply(ctx context.Context, upd domain.BalanceUpdate) error {
	err := s.balances.Upsert(ctx, domain.MakeBalanceState{
		Owner:     upd.Owner,
		AssetType: upd.AssetType,
		Value:     upd.NewBalance,
		AsOf:      upd.AsOf,
	})
	if errors.Is(err, domain.ErrStaleBalance) {
		s.logger.DebugContext(ctx, "balance_service: stale update dropped",
			slog.String("owner", upd.Owner.Hex()),
			slog.String("asset", upd.AssetType.Key()),
			slog.Time("as_of", upd.AsOf),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("balance_service: upsert %s/%s: %w", upd.Owner.Hex(), upd.AssetType.Key(), err)
	}

	// The store returns candidates by token contract; Matches narrows to the
	// exact type and lets COLLECTION makes absorb updates for any token id on
	// their contract.
	candidates, err := s.orders.ListByMakeAsset(ctx, upd.Owner, upd.AssetType)
	if err != nil {
		return fmt.Errorf("balance_service: list affected orders: %w", err)
	}
	affected, failed := 0, 0
	for _, o := range candidates {
		if !o.Make.Type.Matches(upd.AssetType) {
			continue
		}
		affected++
		if updErr := s.updates.Update(ctx, o.Hash); updErr != nil {
			failed++
			s.logger.ErrorContext(ctx, "balance_service: order retrigger failed",
				slog.String("hash", o.Hash.Hex()),
				slog.String("error", updErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "balance_service: balance applied",
		slog.String("owner", upd.Owner.Hex()),
		slog.String("asset", upd.AssetType.Key()),
		slog.Int("orders", affected),
		slog.Int("failed", failed),
	)
	return nil
}
