// Package service wires the reduction engine to the stores and the signal bus:
// it owns the read-reduce-save cycle and everything that reacts to it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/reduce"
	"github.com/ethmarket/orderwatch/internal/worker"
)

// OrderUpdateService re-reduces an order after any of its inputs changed and
// persists the result. Updates for the same hash are serialized through the
// keyed lock table, so concurrent triggers collapse into a sequence of full
// reductions, each of which is individually idempotent.
type OrderUpdateService struct {
	orders  domain.OrderStore
	reducer *reduce.Reducer
	locks   *worker.KeyedLocks
	bus     domain.SignalBus
	prices  *PriceService
	logger  *slog.Logger
}

// NewOrderUpdateService creates an OrderUpdateService. prices may be nil when
// USD enrichment is disabled.
func NewOrderUpdateService(
	orders domain.OrderStore,
	reducer *reduce.Reducer,
	locks *worker.KeyedLocks,
	bus domain.SignalBus,
	prices *PriceService,
	logger *slog.Logger,
) *OrderUpdateService {
	return &OrderUpdateService{
		orders:  orders,
		reducer: reducer,
		locks:   locks,
		bus:     bus,
		prices:  prices,
		logger:  logger.With(slog.String("component", "order_update")),
	}
}

// Update recomputes the projection for hash and saves it when it visibly
// differs from the stored row. A reduction with no remaining sources deletes
// the row. Transient failures leave the previous row untouched; the caller
// retries by triggering again.
func (s *OrderUpdateService) Update(ctx context.Context, hash common.Hash) error {
	return s.locks.With(ctx, hash.Hex(), func() error {
		return s.update(ctx, hash)
	})
}

func (s *OrderUpdateService) update(ctx context.Context, hash common.Hash) error {
	prev, err := s.orders.GetByHash(ctx, hash)
	exists := true
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("order_update: load order %s: %w", hash.Hex(), err)
		}
		exists = false
	}

	next, err := s.reducer.Reduce(ctx, hash)
	if errors.Is(err, domain.ErrNoOrderSources) {
		if !exists {
			return nil
		}
		if delErr := s.orders.Delete(ctx, hash); delErr != nil {
			return fmt.Errorf("order_update: delete sourceless order %s: %w", hash.Hex(), delErr)
		}
		s.logger.InfoContext(ctx, "order_update: removed order with no remaining sources",
			slog.String("hash", hash.Hex()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("order_update: reduce %s: %w", hash.Hex(), err)
	}

	if s.prices != nil {
		next = s.prices.Enrich(ctx, next)
	}

	if exists && !next.VisiblyDiffers(prev) {
		return nil
	}

	if err := s.orders.Save(ctx, next); err != nil {
		return fmt.Errorf("order_update: save %s: %w", hash.Hex(), err)
	}

	s.publish(ctx, prev, next, exists)

	s.logger.InfoContext(ctx, "order_update: order updated",
		slog.String("hash", hash.Hex()),
		slog.String("status", string(next.Status)),
		slog.String("platform", string(next.Platform)),
	)
	return nil
}

// publish emits the downstream update event. Publish failures are logged, not
// returned: the row is already saved and consumers reconcile via full scans.
func (s *OrderUpdateService) publish(ctx context.Context, prev, next domain.Order, existed bool) {
	evt := domain.OrderUpdateEvent{
		Hash:             next.Hash,
		Status:           next.Status,
		Fill:             bigString(next.Fill),
		MakeStock:        bigString(next.MakeStock),
		Cancelled:        next.Cancelled,
		Platform:         next.Platform,
		PendingFill:      next.PendingFill().String(),
		PendingCancelled: next.PendingCancelled(),
		LastUpdateAt:     next.LastUpdateAt,
	}
	if existed {
		evt.PrevStatus = prev.Status
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "order_update: encode update event failed",
			slog.String("hash", next.Hash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelOrderUpdates, payload); err != nil {
		s.logger.WarnContext(ctx, "order_update: publish update event failed",
			slog.String("hash", next.Hash.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
