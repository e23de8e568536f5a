// Package reduce implements the order and auction reduction engine: the pure
// fold that turns versions, exchange history and balance facts into the single
// current projection per hash.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// Config carries the reduction parameters shared by every evaluation path.
type Config struct {
	// AdvanceEndOffset treats orders as ended this long before their exact
	// on-chain end, so in-flight executions near expiry cannot race a still
	// ACTIVE read model.
	AdvanceEndOffset time.Duration
}

// Reducer folds versions + history + balance into the current Order. It holds
// no per-order state; all inputs are re-read on every call, which is what
// makes re-processing after redelivery or task replay safe.
type Reducer struct {
	versions domain.OrderVersionStore
	history  domain.ExchangeHistoryStore
	balances domain.BalanceStore
	states   domain.OrderStateStore
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Reducer. now injects the clock; pass time.Now in production.
func New(
	versions domain.OrderVersionStore,
	history domain.ExchangeHistoryStore,
	balances domain.BalanceStore,
	states domain.OrderStateStore,
	cfg Config,
	now func() time.Time,
	logger *slog.Logger,
) *Reducer {
	if now == nil {
		now = time.Now
	}
	return &Reducer{
		versions: versions,
		history:  history,
		balances: balances,
		states:   states,
		cfg:      cfg,
		now:      now,
		logger:   logger.With(slog.String("component", "order_reducer")),
	}
}

// Reduce recomputes the Order projection for hash. It returns
// domain.ErrNoOrderSources when neither an order version nor a confirmed
// on-chain creation exists (including the case where every creation was
// reverted); the caller then removes any stale row.
//
// Re-running with unchanged inputs and the same clock yields a byte-identical
// Order. A different clock may only change Status, never economic fields.
func (r *Reducer) Reduce(ctx context.Context, hash common.Hash) (domain.Order, error) {
	versions, err := r.versions.ListByHash(ctx, hash)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reduce: load versions %s: %w", hash.Hex(), err)
	}
	events, err := r.history.ListByHash(ctx, hash)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reduce: load history %s: %w", hash.Hex(), err)
	}

	if err := r.syncOnChainVersions(ctx, events); err != nil {
		return domain.Order{}, err
	}
	// Synthesized versions may have just been inserted; reload to fold them
	// in their stable order.
	versions, err = r.versions.ListByHash(ctx, hash)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reduce: reload versions %s: %w", hash.Hex(), err)
	}

	confirmed, pending := splitEvents(events)

	order, ok := r.foldVersions(hash, versions)
	order, onChainSeen := foldConfirmed(order, confirmed)
	if !ok && !onChainSeen {
		return domain.Order{}, fmt.Errorf("reduce: %s: %w", hash.Hex(), domain.ErrNoOrderSources)
	}

	order.Pending = pending

	order, err = r.withMakeStock(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	order, err = r.withFinalState(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	order.Status = ResolveStatus(order, r.now(), r.cfg.AdvanceEndOffset)
	return order, nil
}

// syncOnChainVersions keeps the version store consistent with the on-chain
// creation events: a confirmed creation has exactly one synthesized version, a
// reverted one has none. Both operations are idempotent.
func (r *Reducer) syncOnChainVersions(ctx context.Context, events []domain.ExchangeEvent) error {
	for _, ev := range events {
		if ev.Kind != domain.EventOnChainOrder || ev.OnChain == nil {
			continue
		}
		switch ev.Status {
		case domain.EventStatusConfirmed:
			exists, err := r.versions.ExistsByOnChainKey(ctx, ev.ID)
			if err != nil {
				return fmt.Errorf("reduce: check on-chain version %s: %w", ev.ID, err)
			}
			if !exists {
				err := r.versions.Insert(ctx, domain.VersionFromOnChain(ev))
				if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
					return fmt.Errorf("reduce: insert on-chain version %s: %w", ev.ID, err)
				}
			}
		case domain.EventStatusReverted:
			if err := r.versions.DeleteByOnChainKey(ctx, ev.ID); err != nil {
				return fmt.Errorf("reduce: delete reverted on-chain version %s: %w", ev.ID, err)
			}
		}
	}
	return nil
}

// splitEvents separates the confirmed fold input from the pending overlay.
// Confirmed and reverted events sort by chain position; the overlay sorts by
// observation time so the UI sees mempool activity in arrival order. Reverted
// events are dropped entirely: re-folding from scratch without them is exactly
// "as if never observed".
func splitEvents(events []domain.ExchangeEvent) (confirmed, pending []domain.ExchangeEvent) {
	for _, ev := range events {
		switch {
		case ev.Confirmed():
			confirmed = append(confirmed, ev)
		case ev.Status == domain.EventStatusPending:
			pending = append(pending, ev)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		if confirmed[i].Position != confirmed[j].Position {
			return confirmed[i].Position.Before(confirmed[j].Position)
		}
		return confirmed[i].ID < confirmed[j].ID
	})
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].Date.Equal(pending[j].Date) {
			return pending[i].Date.Before(pending[j].Date)
		}
		return pending[i].ID < pending[j].ID
	})
	return confirmed, pending
}

// foldVersions applies the version sequence oldest first. All versions of a
// hash must agree on the hash-relevant fields; a mismatched version is an
// invariant violation that is skipped, keeping the last good terms in effect.
func (r *Reducer) foldVersions(hash common.Hash, versions []domain.OrderVersion) (domain.Order, bool) {
	sorted := make([]domain.OrderVersion, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var (
		order   domain.Order
		applied bool
		first   domain.OrderVersion
	)
	for _, v := range sorted {
		if v.OnChainKey != "" {
			// Synthesized versions fold via their creation events so that
			// reverts and re-openings stay consistent.
			continue
		}
		if applied && !v.SameCore(first) {
			r.logger.Error("order version violates hash invariant, skipping",
				slog.String("hash", hash.Hex()),
				slog.String("version_id", v.ID),
				slog.String("error", domain.ErrInvariantViolation.Error()),
			)
			continue
		}
		if !applied {
			first = v
		}
		order = applyVersion(order, v)
		applied = true
	}
	return order, applied
}

// applyVersion overlays a version's terms on the accumulator while preserving
// the folded economic state (fill, cancelled).
func applyVersion(order domain.Order, v domain.OrderVersion) domain.Order {
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = v.CreatedAt
	}
	return domain.Order{
		Hash:     v.Hash,
		Maker:    v.Maker,
		Taker:    v.Taker,
		Make:     v.Make,
		Take:     v.Take,
		Salt:     v.Salt,
		Start:    v.Start,
		End:      v.End,
		Platform: v.Platform,
		Data:     v.Data,
		Approved: v.Approved,

		Signature: v.Signature,

		Fill:      order.Fill,
		Cancelled: order.Cancelled,
		MakeStock: order.MakeStock,

		LastEventID: domain.AccumulateEventID(order.LastEventID, v.ID),

		CreatedAt:    createdAt,
		LastUpdateAt: laterOf(order.LastUpdateAt, v.CreatedAt),
	}
}

// foldConfirmed folds the confirmed event sequence in chain order. The result
// for any permutation of delivery is identical because the input is sorted by
// chain position before folding.
func foldConfirmed(order domain.Order, confirmed []domain.ExchangeEvent) (domain.Order, bool) {
	onChainSeen := false
	for _, ev := range confirmed {
		switch ev.Kind {
		case domain.EventOnChainOrder:
			if ev.OnChain == nil {
				continue
			}
			// On-chain orders are re-openable: creation resets the fold so
			// punk-style salt-zero orders start fresh each listing.
			order = applyVersion(domain.Order{}, domain.VersionFromOnChain(ev))
			onChainSeen = true

		case domain.EventSideMatch:
			if ev.Match == nil {
				continue
			}
			fill := new(big.Int)
			if order.Fill != nil {
				fill.Set(order.Fill)
			}
			fill.Add(fill, ev.Match.FillDelta)
			order.Fill = fill
			order.LastUpdateAt = laterOf(order.LastUpdateAt, ev.Date)
			order.LastEventID = domain.AccumulateEventID(order.LastEventID, ev.ID)

		case domain.EventCancel:
			order.Cancelled = true
			order.LastUpdateAt = laterOf(order.LastUpdateAt, ev.Date)
			order.LastEventID = domain.AccumulateEventID(order.LastEventID, ev.ID)
		}
	}
	return order, onChainSeen
}

// withMakeStock bounds the remaining quantity by the maker's live balance.
// Platforms with fixed stock skip the lookup. An unknown balance leaves the
// stock bounded by fill alone; a failing lookup aborts the reduction so the
// previous consistent row stays in place.
func (r *Reducer) withMakeStock(ctx context.Context, order domain.Order) (domain.Order, error) {
	var balance *big.Int
	if order.Platform.SupportsLiveBalance() {
		state, err := r.balances.Get(ctx, order.Maker, order.Make.Type)
		switch {
		case err == nil:
			balance = state.Value
			order.LastUpdateAt = laterOf(order.LastUpdateAt, state.AsOf)
		case errors.Is(err, domain.ErrNotFound):
			// No balance fact yet; keep the optimistic stock.
		default:
			return domain.Order{}, fmt.Errorf("reduce: make balance %s/%s: %w",
				order.Maker.Hex(), order.Make.Type.Key(), err)
		}
	}
	order.MakeStock = makeStock(order, balance)
	return order, nil
}

// withFinalState applies the off-chain final-state override last, after all
// chain-derived facts.
func (r *Reducer) withFinalState(ctx context.Context, order domain.Order) (domain.Order, error) {
	state, err := r.states.Get(ctx, order.Hash)
	if errors.Is(err, domain.ErrNotFound) {
		return order, nil
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("reduce: order state %s: %w", order.Hash.Hex(), err)
	}
	if state.Cancelled && !order.Cancelled {
		order.Cancelled = true
		order.MakeStock = new(big.Int)
		order.LastUpdateAt = laterOf(order.LastUpdateAt, state.LastUpdateAt)
		order.LastEventID = domain.AccumulateEventID(order.LastEventID, state.Hash.Hex())
	}
	return order, nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
