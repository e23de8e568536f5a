package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/service"
)

// SweepConfig tunes the wall-clock status sweep.
type SweepConfig struct {
	Interval time.Duration
	// AdvanceEndOffset treats an order as ended this long before its exact
	// on-chain end. Must match the reducer's offset or the sweep will
	// trigger reductions that change nothing.
	AdvanceEndOffset time.Duration
	BatchSize        int
}

// Sweep is the only component that changes order status without an external
// trigger. On each tick it re-reduces orders and auctions whose time-based
// transition is due, and cancels open bids on items whose sell order it just
// advance-ended.
type Sweep struct {
	orders         domain.OrderStore
	states         domain.OrderStateStore
	updates        *service.OrderUpdateService
	auctions       domain.AuctionStore
	auctionHistory domain.AuctionHistoryStore
	auctionUpdates *service.AuctionUpdateService
	cfg            SweepConfig
	now            func() time.Time
	logger         *slog.Logger
}

func NewSweep(
	orders domain.OrderStore,
	states domain.OrderStateStore,
	updates *service.OrderUpdateService,
	auctions domain.AuctionStore,
	auctionHistory domain.AuctionHistoryStore,
	auctionUpdates *service.AuctionUpdateService,
	cfg SweepConfig,
	logger *slog.Logger,
) *Sweep {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweep{
		orders:         orders,
		states:         states,
		updates:        updates,
		auctions:       auctions,
		auctionHistory: auctionHistory,
		auctionUpdates: auctionUpdates,
		cfg:            cfg,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "status_sweep")),
	}
}

// Run executes sweep passes on a fixed interval until ctx is cancelled. The
// first pass runs immediately.
func (s *Sweep) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "status sweep starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("advance_end_offset", s.cfg.AdvanceEndOffset))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce never returns an error: a single order's failure is logged and left
// for the next pass.
func (s *Sweep) runOnce(ctx context.Context) {
	now := s.now().UTC()

	started := s.sweepDueToStart(ctx, now)
	ended, bidsCancelled := s.sweepDueToEnd(ctx, now)
	auctions := s.sweepAuctions(ctx, now)

	if started+ended+bidsCancelled+auctions > 0 {
		s.logger.InfoContext(ctx, "sweep pass complete",
			slog.Int("orders_started", started),
			slog.Int("orders_ended", ended),
			slog.Int("bids_cancelled", bidsCancelled),
			slog.Int("auctions_touched", auctions))
	}
}

func (s *Sweep) sweepDueToStart(ctx context.Context, now time.Time) int {
	due, err := s.orders.ListDueToStart(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing orders due to start failed",
			slog.String("error", err.Error()))
		return 0
	}
	var n int
	for _, o := range due {
		if ctx.Err() != nil {
			return n
		}
		if err := s.updates.Update(ctx, o.Hash); err != nil {
			s.logger.ErrorContext(ctx, "starting order failed",
				slog.String("order_hash", o.Hash.Hex()),
				slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}

func (s *Sweep) sweepDueToEnd(ctx context.Context, now time.Time) (ended, bidsCancelled int) {
	deadline := now.Add(s.cfg.AdvanceEndOffset)
	due, err := s.orders.ListDueToEnd(ctx, deadline, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing orders due to end failed",
			slog.String("error", err.Error()))
		return 0, 0
	}
	for _, o := range due {
		if ctx.Err() != nil {
			return ended, bidsCancelled
		}
		if err := s.updates.Update(ctx, o.Hash); err != nil {
			s.logger.ErrorContext(ctx, "ending order failed",
				slog.String("order_hash", o.Hash.Hex()),
				slog.String("error", err.Error()))
			continue
		}
		ended++

		// Advance-ending a sell order deliberately takes the open bids
		// on its item down with it in the same pass.
		if o.IsSell() {
			bidsCancelled += s.cancelBidsOnItem(ctx, o, now)
		}
	}
	return ended, bidsCancelled
}

func (s *Sweep) cancelBidsOnItem(ctx context.Context, sell domain.Order, now time.Time) int {
	tokenID := ""
	if sell.Make.Type.TokenID != nil {
		tokenID = sell.Make.Type.TokenID.String()
	}
	bids, err := s.orders.ListBidsOnItem(ctx, sell.Make.Type.Token, tokenID)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing bids on ended item failed",
			slog.String("order_hash", sell.Hash.Hex()),
			slog.String("error", err.Error()))
		return 0
	}
	var n int
	for _, bid := range bids {
		if err := s.cancelBid(ctx, bid.Hash, sell.Hash, now); err != nil {
			s.logger.ErrorContext(ctx, "cancelling bid failed",
				slog.String("bid_hash", bid.Hash.Hex()),
				slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}

func (s *Sweep) cancelBid(ctx context.Context, bid, sell common.Hash, now time.Time) error {
	state := domain.OrderState{
		Hash:         bid,
		Cancelled:    true,
		Reason:       fmt.Sprintf("sell order %s ended", sell.Hex()),
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	if err := s.states.Save(ctx, state); err != nil {
		return fmt.Errorf("pipeline: save cancel state: %w", err)
	}
	if err := s.updates.Update(ctx, bid); err != nil {
		return fmt.Errorf("pipeline: update cancelled bid: %w", err)
	}
	return nil
}

func (s *Sweep) sweepAuctions(ctx context.Context, now time.Time) int {
	var n int
	n += s.markAuctions(ctx, now, domain.AuctionEventStarted)
	n += s.markAuctions(ctx, now, domain.AuctionEventEnded)
	return n
}

// markAuctions writes the off-chain STARTED/ENDED marker for auctions whose
// window just opened or closed, then re-reduces them. Marker ids are
// deterministic so a repeated pass dedupes on insert.
func (s *Sweep) markAuctions(ctx context.Context, now time.Time, kind domain.AuctionEventKind) int {
	var (
		due []domain.Auction
		err error
	)
	switch kind {
	case domain.AuctionEventStarted:
		due, err = s.auctions.ListDueToStart(ctx, now, s.cfg.BatchSize)
	case domain.AuctionEventEnded:
		due, err = s.auctions.ListDueToEnd(ctx, now, s.cfg.BatchSize)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "listing due auctions failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		return 0
	}

	var n int
	for _, a := range due {
		if ctx.Err() != nil {
			return n
		}
		ev := domain.AuctionEvent{
			ID:          fmt.Sprintf("offchain:%s:%s", a.Hash.Hex(), kind),
			AuctionHash: a.Hash,
			Kind:        kind,
			Status:      domain.EventStatusConfirmed,
			Date:        now,
		}
		if err := s.auctionHistory.Insert(ctx, ev); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.ErrorContext(ctx, "inserting auction marker failed",
				slog.String("auction_hash", a.Hash.Hex()),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.auctionUpdates.Update(ctx, a.Hash); err != nil {
			s.logger.ErrorContext(ctx, "updating due auction failed",
				slog.String("auction_hash", a.Hash.Hex()),
				slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}
