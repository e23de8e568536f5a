package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/reduce"
	"github.com/ethmarket/orderwatch/internal/worker"
)

// AuctionUpdateService is the auction counterpart of OrderUpdateService: same
// lock-reduce-diff-save cycle over the auction history.
type AuctionUpdateService struct {
	auctions domain.AuctionStore
	reducer  *reduce.AuctionReducer
	locks    *worker.KeyedLocks
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewAuctionUpdateService creates an AuctionUpdateService.
func NewAuctionUpdateService(
	auctions domain.AuctionStore,
	reducer *reduce.AuctionReducer,
	locks *worker.KeyedLocks,
	bus domain.SignalBus,
	logger *slog.Logger,
) *AuctionUpdateService {
	return &AuctionUpdateService{
		auctions: auctions,
		reducer:  reducer,
		locks:    locks,
		bus:      bus,
		logger:   logger.With(slog.String("component", "auction_update")),
	}
}

// Update recomputes the auction projection for hash and saves it when changed.
func (s *AuctionUpdateService) Update(ctx context.Context, hash common.Hash) error {
	// Auctions share the lock namespace with orders; hashes are keccak
	// outputs on disjoint inputs, so collisions are not a practical concern.
	return s.locks.With(ctx, hash.Hex(), func() error {
		return s.update(ctx, hash)
	})
}

func (s *AuctionUpdateService) update(ctx context.Context, hash common.Hash) error {
	prev, err := s.auctions.GetByHash(ctx, hash)
	exists := true
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("auction_update: load auction %s: %w", hash.Hex(), err)
		}
		exists = false
	}

	next, err := s.reducer.Reduce(ctx, hash)
	if errors.Is(err, domain.ErrNoOrderSources) {
		if !exists {
			return nil
		}
		if delErr := s.auctions.Delete(ctx, hash); delErr != nil {
			return fmt.Errorf("auction_update: delete sourceless auction %s: %w", hash.Hex(), delErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("auction_update: reduce %s: %w", hash.Hex(), err)
	}

	if exists && !auctionDiffers(prev, next) {
		return nil
	}

	if err := s.auctions.Save(ctx, next); err != nil {
		return fmt.Errorf("auction_update: save %s: %w", hash.Hex(), err)
	}

	evt := domain.AuctionUpdateEvent{
		Hash:         next.Hash,
		Status:       next.Status,
		Ongoing:      next.Ongoing,
		LastUpdateAt: next.LastUpdateAt,
	}
	if exists {
		evt.PrevStatus = prev.Status
	}
	payload, encErr := json.Marshal(evt)
	if encErr == nil {
		if pubErr := s.bus.Publish(ctx, domain.ChannelAuctionUpdates, payload); pubErr != nil {
			s.logger.WarnContext(ctx, "auction_update: publish update event failed",
				slog.String("hash", hash.Hex()),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "auction_update: auction updated",
		slog.String("hash", hash.Hex()),
		slog.String("status", string(next.Status)),
	)
	return nil
}

func auctionDiffers(prev, next domain.Auction) bool {
	if next.Status != prev.Status || next.Cancelled != prev.Cancelled ||
		next.Finished != prev.Finished || next.Ongoing != prev.Ongoing {
		return true
	}
	if next.LastEventID != prev.LastEventID || len(next.Pending) != len(prev.Pending) {
		return true
	}
	return !next.LastUpdateAt.Equal(prev.LastUpdateAt)
}
