package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/service"
)

// Task type names. LOG_REINDEX is recorded by the external backfill tooling;
// no handler for it lives here, it only gates ORDER_REDERIVE.
const (
	TypeStatusRecompute  = "ORDER_STATUS_RECOMPUTE"
	TypeRederive         = "ORDER_REDERIVE"
	TypePlatformPrune    = "RETIRED_PLATFORM_PRUNE"
	TypePayoutValidation = "PAYOUT_VALIDATION"
	TypeBidExpire        = "EXPIRED_BID_CANCEL"
	TypeLogReindex       = "LOG_REINDEX"
)

const (
	defaultChunkSize   = 200
	defaultParallelism = 8
)

// scanOrders streams order hashes after from in ascending hex order and
// processes them in bounded chunks. The checkpoint advances only after the
// whole chunk succeeded, keeping the cursor monotonic and crash-safe. A
// single hash failure fails the chunk; the next run retries from the last
// checkpoint.
func scanOrders(
	ctx context.Context,
	orders domain.OrderStore,
	platform domain.Platform,
	from string,
	chunkSize, parallelism int,
	process func(ctx context.Context, hash common.Hash) error,
	checkpoint func(cursor string) error,
) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes, err := orders.ListHashesAfter(ctx, cursor, platform, chunkSize)
		if err != nil {
			return fmt.Errorf("task: list hashes after %q: %w", cursor, err)
		}
		if len(hashes) == 0 {
			return nil
		}

		p := pool.New().WithErrors().WithMaxGoroutines(parallelism)
		for _, hash := range hashes {
			hash := hash
			p.Go(func() error {
				return process(ctx, hash)
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}

		cursor = hashes[len(hashes)-1].Hex()
		if err := checkpoint(cursor); err != nil {
			return err
		}
		if len(hashes) < chunkSize {
			return nil
		}
	}
}

// StatusRecompute re-reduces every order, optionally restricted to one
// platform, after a status-logic or schema change.
type StatusRecompute struct {
	Orders      domain.OrderStore
	Updates     *service.OrderUpdateService
	ChunkSize   int
	Parallelism int
}

func (h *StatusRecompute) Type() string { return TypeStatusRecompute }
func (h *StatusRecompute) Prerequisite(string) (string, string) { return "", "" }

func (h *StatusRecompute) Run(ctx context.Context, param, from string, checkpoint func(string) error) error {
	return scanOrders(ctx, h.Orders, domain.Platform(param), from, h.ChunkSize, h.Parallelism,
		func(ctx context.Context, hash common.Hash) error {
			return h.Updates.Update(ctx, hash)
		}, checkpoint)
}

// Rederive re-folds orders from history after a backfill of on-chain order
// versions. It is gated on the external log reindex for the same param having
// completed, otherwise the fold would read a half-backfilled history.
type Rederive struct {
	Orders      domain.OrderStore
	Updates     *service.OrderUpdateService
	ChunkSize   int
	Parallelism int
}

func (h *Rederive) Type() string { return TypeRederive }

func (h *Rederive) Prerequisite(param string) (string, string) {
	return TypeLogReindex, param
}

func (h *Rederive) Run(ctx context.Context, param, from string, checkpoint func(string) error) error {
	return scanOrders(ctx, h.Orders, domain.Platform(param), from, h.ChunkSize, h.Parallelism,
		func(ctx context.Context, hash common.Hash) error {
			return h.Updates.Update(ctx, hash)
		}, checkpoint)
}

// PlatformPrune archives and deletes all orders of a retired platform,
// history first, row second, so a crash between the two leaves a re-derivable
// orphan rather than a dangling history.
type PlatformPrune struct {
	Orders    domain.OrderStore
	History   domain.ExchangeHistoryStore
	Archiver  domain.Archiver
	Logger    *slog.Logger
	ChunkSize int
}

func (h *PlatformPrune) Type() string { return TypePlatformPrune }
func (h *PlatformPrune) Prerequisite(string) (string, string) { return "", "" }

func (h *PlatformPrune) Run(ctx context.Context, param, from string, checkpoint func(string) error) error {
	platform := domain.Platform(param)
	if platform == "" {
		return fmt.Errorf("task: %w: prune requires a platform param", domain.ErrInvariantViolation)
	}
	reason := "retired:" + param

	chunkSize := h.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes, err := h.Orders.ListHashesAfter(ctx, cursor, platform, chunkSize)
		if err != nil {
			return fmt.Errorf("task: list hashes after %q: %w", cursor, err)
		}
		if len(hashes) == 0 {
			return nil
		}

		var (
			rows   []domain.Order
			events []domain.ExchangeEvent
		)
		for _, hash := range hashes {
			o, err := h.Orders.GetByHash(ctx, hash)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return fmt.Errorf("task: load order %s: %w", hash.Hex(), err)
			}
			rows = append(rows, o)
			evs, err := h.History.ListByHash(ctx, hash)
			if err != nil {
				return fmt.Errorf("task: load history %s: %w", hash.Hex(), err)
			}
			events = append(events, evs...)
		}

		ordersKey, err := h.Archiver.ArchiveOrders(ctx, reason, rows)
		if err != nil {
			return fmt.Errorf("task: archive orders: %w", err)
		}
		historyKey, err := h.Archiver.ArchiveHistory(ctx, reason, events)
		if err != nil {
			return fmt.Errorf("task: archive history: %w", err)
		}

		for _, hash := range hashes {
			if err := h.History.DeleteByHash(ctx, hash); err != nil {
				return fmt.Errorf("task: delete history %s: %w", hash.Hex(), err)
			}
			if err := h.Orders.Delete(ctx, hash); err != nil {
				return fmt.Errorf("task: delete order %s: %w", hash.Hex(), err)
			}
		}

		h.Logger.InfoContext(ctx, "pruned retired platform chunk",
			slog.String("platform", param),
			slog.Int("orders", len(rows)),
			slog.Int("events", len(events)),
			slog.String("orders_object", ordersKey),
			slog.String("history_object", historyKey))

		cursor = hashes[len(hashes)-1].Hex()
		if err := checkpoint(cursor); err != nil {
			return err
		}
		if len(hashes) < chunkSize {
			return nil
		}
	}
}

// payoutTotal is the basis-point sum valid payout splits must reach.
const payoutTotal = 10000

// PayoutValidation cancels orders whose payout parts are present but do not
// sum to 100%.
type PayoutValidation struct {
	Orders      domain.OrderStore
	States      domain.OrderStateStore
	Updates     *service.OrderUpdateService
	ChunkSize   int
	Parallelism int
}

func (h *PayoutValidation) Type() string { return TypePayoutValidation }
func (h *PayoutValidation) Prerequisite(string) (string, string) { return "", "" }

func (h *PayoutValidation) Run(ctx context.Context, param, from string, checkpoint func(string) error) error {
	return scanOrders(ctx, h.Orders, domain.Platform(param), from, h.ChunkSize, h.Parallelism,
		func(ctx context.Context, hash common.Hash) error {
			o, err := h.Orders.GetByHash(ctx, hash)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("task: load order %s: %w", hash.Hex(), err)
			}
			if validPayouts(o.Data) {
				return nil
			}
			return cancelOrder(ctx, h.States, h.Updates, hash, "invalid payouts")
		}, checkpoint)
}

func validPayouts(data domain.OrderData) bool {
	var parts []domain.Part
	switch d := data.(type) {
	case domain.RaribleV2DataV1:
		parts = d.Payouts
	case domain.RaribleV2DataV2:
		parts = d.Payouts
	default:
		return true
	}
	if len(parts) == 0 {
		return true
	}
	var sum int64
	for _, p := range parts {
		sum += p.Value
	}
	return sum == payoutTotal
}

// BidExpire cancels platform bids that have gone stale: no update within the
// inactivity window means the bidder's intent can no longer be trusted.
type BidExpire struct {
	Orders      domain.OrderStore
	States      domain.OrderStateStore
	Updates     *service.OrderUpdateService
	Window      time.Duration
	Now         func() time.Time
	ChunkSize   int
	Parallelism int
}

func (h *BidExpire) Type() string { return TypeBidExpire }
func (h *BidExpire) Prerequisite(string) (string, string) { return "", "" }

func (h *BidExpire) Run(ctx context.Context, param, from string, checkpoint func(string) error) error {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	stale := now().Add(-h.Window)

	return scanOrders(ctx, h.Orders, domain.Platform(param), from, h.ChunkSize, h.Parallelism,
		func(ctx context.Context, hash common.Hash) error {
			o, err := h.Orders.GetByHash(ctx, hash)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("task: load order %s: %w", hash.Hex(), err)
			}
			if !o.IsBid() || o.Status.Terminal() || o.LastUpdateAt.After(stale) {
				return nil
			}
			return cancelOrder(ctx, h.States, h.Updates, hash, "bid expired by inactivity")
		}, checkpoint)
}

func cancelOrder(
	ctx context.Context,
	states domain.OrderStateStore,
	updates *service.OrderUpdateService,
	hash common.Hash,
	reason string,
) error {
	now := time.Now().UTC()
	state := domain.OrderState{
		Hash:         hash,
		Cancelled:    true,
		Reason:       reason,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	if err := states.Save(ctx, state); err != nil {
		return fmt.Errorf("task: save cancel state %s: %w", hash.Hex(), err)
	}
	if err := updates.Update(ctx, hash); err != nil {
		return fmt.Errorf("task: update cancelled order %s: %w", hash.Hex(), err)
	}
	return nil
}
