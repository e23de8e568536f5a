package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/protocol"
	"github.com/ethmarket/orderwatch/internal/service"
)

// Inbound signal-bus channels. Upstream chain listeners publish decoded log
// entries here; the consumers below fold them into the read models.
const (
	ChannelExchangeLogs = "exchange.logs"
	ChannelAuctionLogs  = "auctions.logs"
	ChannelBalances     = "balances.updated"
)

// LogConsumer drains the exchange log channel: each message is normalized,
// appended to exchange history, and the affected order is re-reduced. A
// malformed or unsupported message is logged and skipped; it never stalls the
// stream.
type LogConsumer struct {
	bus        domain.SignalBus
	normalizer *protocol.Normalizer
	history    domain.ExchangeHistoryStore
	orders     *service.OrderUpdateService
	logger     *slog.Logger
}

// NewLogConsumer creates a consumer for ChannelExchangeLogs.
func NewLogConsumer(
	bus domain.SignalBus,
	normalizer *protocol.Normalizer,
	history domain.ExchangeHistoryStore,
	orders *service.OrderUpdateService,
	logger *slog.Logger,
) *LogConsumer {
	return &LogConsumer{
		bus:        bus,
		normalizer: normalizer,
		history:    history,
		orders:     orders,
		logger:     logger.With(slog.String("component", "log_consumer")),
	}
}

// Run subscribes and consumes until ctx is cancelled or the subscription
// closes.
func (c *LogConsumer) Run(ctx context.Context) error {
	ch, err := c.bus.Subscribe(ctx, ChannelExchangeLogs)
	if err != nil {
		return fmt.Errorf("pipeline: subscribe %s: %w", ChannelExchangeLogs, err)
	}
	c.logger.InfoContext(ctx, "consuming exchange logs", slog.String("channel", ChannelExchangeLogs))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.handleMessage(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.ErrorContext(ctx, "exchange log handling failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (c *LogConsumer) handleMessage(ctx context.Context, payload []byte) error {
	var raw protocol.RawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.logger.WarnContext(ctx, "dropping malformed exchange log",
			slog.String("error", err.Error()))
		return nil
	}

	ev, err := c.normalizer.NormalizeEvent(raw)
	if err != nil {
		if errors.Is(err, domain.ErrDecode) {
			c.logger.WarnContext(ctx, "dropping undecodable exchange log",
				slog.String("protocol", raw.Protocol),
				slog.String("version", raw.Version),
				slog.String("error", err.Error()))
			return nil
		}
		return fmt.Errorf("pipeline: normalize event %s: %w", raw.ID, err)
	}

	if err := ingestExchangeEvent(ctx, c.history, ev); err != nil {
		return err
	}

	if err := updateWithRetry(ctx, func() error { return c.orders.Update(ctx, ev.OrderHash) }); err != nil {
		return fmt.Errorf("pipeline: update order %s: %w", ev.OrderHash.Hex(), err)
	}

	c.logger.DebugContext(ctx, "exchange log applied",
		slog.String("event_id", ev.ID),
		slog.String("order_hash", ev.OrderHash.Hex()),
		slog.String("kind", string(ev.Kind)),
		slog.String("status", string(ev.Status)))
	return nil
}

// ingestExchangeEvent appends the event to history. An event already on file
// keeps its row; only the delivery status is moved, which is how PENDING
// entries become CONFIRMED or REVERTED.
func ingestExchangeEvent(ctx context.Context, history domain.ExchangeHistoryStore, ev domain.ExchangeEvent) error {
	err := history.Insert(ctx, ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("pipeline: insert event %s: %w", ev.ID, err)
	}
	if err := history.UpdateStatus(ctx, ev.ID, ev.Status); err != nil {
		return fmt.Errorf("pipeline: update event %s status: %w", ev.ID, err)
	}
	return nil
}

// updateWithRetry retries a reduction cycle on transient dependency failure.
// Reductions are idempotent, so a retry after a half-applied failure is safe.
// Decode and invariant failures are permanent and never retried.
func updateWithRetry(ctx context.Context, fn func() error) error {
	cfg := backoff.NewExponentialBackOff()
	cfg.InitialInterval = 100 * time.Millisecond
	cfg.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if errors.Is(err, domain.ErrDecode) ||
				errors.Is(err, domain.ErrInvariantViolation) ||
				errors.Is(err, domain.ErrContextDone) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(cfg), backoff.WithMaxTries(5))
	return err
}

// rawAuctionEvent is the wire shape of one auction log entry.
type rawAuctionEvent struct {
	ID          string                `json:"id"`
	AuctionHash string                `json:"auctionHash"`
	Kind        string                `json:"kind"`
	Status      string                `json:"status"`
	BlockNumber int64                 `json:"blockNumber"`
	LogIndex    int                   `json:"logIndex"`
	Timestamp   time.Time             `json:"timestamp"`
	Create      *domain.AuctionCreate `json:"create,omitempty"`
	Bid         *domain.Bid           `json:"bid,omitempty"`
}

// AuctionConsumer drains the auction log channel into auction history and
// re-reduces the affected auction. Same discipline as LogConsumer.
type AuctionConsumer struct {
	bus      domain.SignalBus
	history  domain.AuctionHistoryStore
	auctions *service.AuctionUpdateService
	logger   *slog.Logger
}

func NewAuctionConsumer(
	bus domain.SignalBus,
	history domain.AuctionHistoryStore,
	auctions *service.AuctionUpdateService,
	logger *slog.Logger,
) *AuctionConsumer {
	return &AuctionConsumer{
		bus:      bus,
		history:  history,
		auctions: auctions,
		logger:   logger.With(slog.String("component", "auction_consumer")),
	}
}

func (c *AuctionConsumer) Run(ctx context.Context) error {
	ch, err := c.bus.Subscribe(ctx, ChannelAuctionLogs)
	if err != nil {
		return fmt.Errorf("pipeline: subscribe %s: %w", ChannelAuctionLogs, err)
	}
	c.logger.InfoContext(ctx, "consuming auction logs", slog.String("channel", ChannelAuctionLogs))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.handleMessage(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.ErrorContext(ctx, "auction log handling failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (c *AuctionConsumer) handleMessage(ctx context.Context, payload []byte) error {
	var raw rawAuctionEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.logger.WarnContext(ctx, "dropping malformed auction log",
			slog.String("error", err.Error()))
		return nil
	}

	ev, err := decodeAuctionEvent(raw)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable auction log",
			slog.String("event_id", raw.ID),
			slog.String("error", err.Error()))
		return nil
	}

	if err := ingestAuctionEvent(ctx, c.history, ev); err != nil {
		return err
	}

	if err := updateWithRetry(ctx, func() error { return c.auctions.Update(ctx, ev.AuctionHash) }); err != nil {
		return fmt.Errorf("pipeline: update auction %s: %w", ev.AuctionHash.Hex(), err)
	}
	return nil
}

func ingestAuctionEvent(ctx context.Context, history domain.AuctionHistoryStore, ev domain.AuctionEvent) error {
	err := history.Insert(ctx, ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("pipeline: insert auction event %s: %w", ev.ID, err)
	}
	if err := history.UpdateStatus(ctx, ev.ID, ev.Status); err != nil {
		return fmt.Errorf("pipeline: update auction event %s status: %w", ev.ID, err)
	}
	return nil
}

func decodeAuctionEvent(raw rawAuctionEvent) (domain.AuctionEvent, error) {
	if len(raw.AuctionHash) != common.HashLength*2+2 {
		return domain.AuctionEvent{}, fmt.Errorf("%w: bad auction hash %q", domain.ErrDecode, raw.AuctionHash)
	}

	var kind domain.AuctionEventKind
	switch raw.Kind {
	case "auction_created":
		kind = domain.AuctionEventCreated
		if raw.Create == nil {
			return domain.AuctionEvent{}, fmt.Errorf("%w: auction_created without create payload", domain.ErrDecode)
		}
	case "auction_bid":
		kind = domain.AuctionEventBid
		if raw.Bid == nil {
			return domain.AuctionEvent{}, fmt.Errorf("%w: auction_bid without bid payload", domain.ErrDecode)
		}
	case "auction_cancelled":
		kind = domain.AuctionEventCancel
	case "auction_finished":
		kind = domain.AuctionEventFinished
	default:
		return domain.AuctionEvent{}, fmt.Errorf("%w: unknown auction event kind %q", domain.ErrDecode, raw.Kind)
	}

	var status domain.EventStatus
	switch domain.EventStatus(strings.ToUpper(raw.Status)) {
	case domain.EventStatusPending:
		status = domain.EventStatusPending
	case domain.EventStatusConfirmed:
		status = domain.EventStatusConfirmed
	case domain.EventStatusReverted:
		status = domain.EventStatusReverted
	default:
		return domain.AuctionEvent{}, fmt.Errorf("%w: unknown event status %q", domain.ErrDecode, raw.Status)
	}

	id := raw.ID
	if id == "" {
		id = fmt.Sprintf("%s:%d:%d", raw.AuctionHash, raw.BlockNumber, raw.LogIndex)
	}

	return domain.AuctionEvent{
		ID:          id,
		AuctionHash: common.HexToHash(raw.AuctionHash),
		Kind:        kind,
		Status:      status,
		Position:    domain.ChainPosition{BlockNumber: raw.BlockNumber, LogIndex: raw.LogIndex},
		Date:        raw.Timestamp,
		Create:      raw.Create,
		Bid:         raw.Bid,
	}, nil
}
