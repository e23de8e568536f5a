package reduce

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// AuctionReducer folds auction history into the current Auction projection
// with the same discipline as the order fold: confirmed events in chain order,
// pending as an overlay, reverted dropped.
type AuctionReducer struct {
	history domain.AuctionHistoryStore
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// NewAuction creates an AuctionReducer.
func NewAuction(history domain.AuctionHistoryStore, cfg Config, now func() time.Time, logger *slog.Logger) *AuctionReducer {
	if now == nil {
		now = time.Now
	}
	return &AuctionReducer{
		history: history,
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("component", "auction_reducer")),
	}
}

// Reduce recomputes the Auction projection for hash. It returns
// domain.ErrNoOrderSources when no confirmed creation exists.
func (r *AuctionReducer) Reduce(ctx context.Context, hash common.Hash) (domain.Auction, error) {
	events, err := r.history.ListByHash(ctx, hash)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("reduce: load auction history %s: %w", hash.Hex(), err)
	}

	var confirmed, pending []domain.AuctionEvent
	for _, ev := range events {
		switch ev.Status {
		case domain.EventStatusConfirmed:
			confirmed = append(confirmed, ev)
		case domain.EventStatusPending:
			pending = append(pending, ev)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		// Off-chain markers carry no chain position; they sort by date
		// between the blocks around them.
		if confirmed[i].Kind.OnChain() && confirmed[j].Kind.OnChain() &&
			confirmed[i].Position != confirmed[j].Position {
			return confirmed[i].Position.Before(confirmed[j].Position)
		}
		if !confirmed[i].Date.Equal(confirmed[j].Date) {
			return confirmed[i].Date.Before(confirmed[j].Date)
		}
		return confirmed[i].ID < confirmed[j].ID
	})
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].Date.Equal(pending[j].Date) {
			return pending[i].Date.Before(pending[j].Date)
		}
		return pending[i].ID < pending[j].ID
	})

	auction := domain.Auction{Hash: hash}
	created := false
	for _, ev := range confirmed {
		switch ev.Kind {
		case domain.AuctionEventCreated:
			if ev.Create == nil {
				continue
			}
			auction = applyAuctionCreate(auction, ev)
			created = true

		case domain.AuctionEventBid:
			if ev.Bid == nil {
				continue
			}
			if auction.LastBid != nil && !higherBid(ev.Bid.Amount, auction.LastBid.Amount) {
				r.logger.Warn("auction bid not above standing bid, skipping",
					slog.String("hash", hash.Hex()),
					slog.String("event_id", ev.ID),
				)
				continue
			}
			bid := *ev.Bid
			auction.LastBid = &bid
			auction = touchAuction(auction, ev)

		case domain.AuctionEventCancel:
			auction.Cancelled = true
			auction = touchAuction(auction, ev)

		case domain.AuctionEventFinished:
			auction.Finished = true
			auction.Ongoing = false
			auction = touchAuction(auction, ev)

		case domain.AuctionEventStarted:
			auction.Ongoing = true
			auction = touchAuction(auction, ev)

		case domain.AuctionEventEnded:
			auction.Ongoing = false
			auction = touchAuction(auction, ev)
		}
	}
	if !created {
		return domain.Auction{}, fmt.Errorf("reduce: auction %s: %w", hash.Hex(), domain.ErrNoOrderSources)
	}

	auction.Pending = pending
	auction.Status = ResolveAuctionStatus(auction, r.now())
	return auction, nil
}

func applyAuctionCreate(a domain.Auction, ev domain.AuctionEvent) domain.Auction {
	c := ev.Create
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = ev.Date
	}
	return domain.Auction{
		Hash:         a.Hash,
		Seller:       c.Seller,
		Sell:         c.Sell,
		Buy:          c.Buy,
		MinimalStep:  c.MinimalStep,
		MinimalPrice: c.MinimalPrice,
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,

		LastBid:   a.LastBid,
		Cancelled: a.Cancelled,
		Finished:  a.Finished,
		Ongoing:   a.Ongoing,

		LastEventID:  domain.AccumulateEventID(a.LastEventID, ev.ID),
		CreatedAt:    createdAt,
		LastUpdateAt: laterOf(a.LastUpdateAt, ev.Date),
	}
}

func touchAuction(a domain.Auction, ev domain.AuctionEvent) domain.Auction {
	a.LastEventID = domain.AccumulateEventID(a.LastEventID, ev.ID)
	a.LastUpdateAt = laterOf(a.LastUpdateAt, ev.Date)
	return a
}

func higherBid(next, standing *big.Int) bool {
	if next == nil {
		return false
	}
	if standing == nil {
		return true
	}
	return next.Cmp(standing) > 0
}
