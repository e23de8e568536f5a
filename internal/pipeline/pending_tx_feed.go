package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/protocol"
	"github.com/ethmarket/orderwatch/internal/service"
)

const (
	feedWriteWait         = 10 * time.Second
	feedPongWait          = 60 * time.Second
	feedPingPeriod        = 25 * time.Second
	feedMaxReconnectDelay = 30 * time.Second
)

// PendingTxFeed streams decoded exchange transactions from the mempool over a
// WebSocket. Everything it ingests is forced to PENDING: mempool entries are
// speculative until the confirmed log consumer sees them on chain. The feed
// reconnects with exponential backoff on disconnect.
type PendingTxFeed struct {
	wsURL      string
	normalizer *protocol.Normalizer
	history    domain.ExchangeHistoryStore
	orders     *service.OrderUpdateService
	logger     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewPendingTxFeed(
	wsURL string,
	normalizer *protocol.Normalizer,
	history domain.ExchangeHistoryStore,
	orders *service.OrderUpdateService,
	logger *slog.Logger,
) *PendingTxFeed {
	return &PendingTxFeed{
		wsURL:      wsURL,
		normalizer: normalizer,
		history:    history,
		orders:     orders,
		logger:     logger.With(slog.String("component", "pending_tx_feed")),
		done:       make(chan struct{}),
	}
}

// Run maintains the connection until ctx is cancelled or Close is called.
func (f *PendingTxFeed) Run(ctx context.Context) error {
	if f.wsURL == "" {
		f.logger.InfoContext(ctx, "no mempool feed configured, exiting")
		return nil
	}

	cfg := backoff.NewExponentialBackOff()
	cfg.MaxInterval = feedMaxReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil || ctx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		sleep := cfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = feedMaxReconnectDelay
		}
		f.logger.WarnContext(ctx, "mempool feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("sleep", sleep))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(sleep):
		}
	}
}

func (f *PendingTxFeed) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("pipeline: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	// Unblock ReadMessage when ctx ends or the feed is closed.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-connDone:
			return
		}
		conn.Close()
	}()
	go f.pingLoop(conn, connDone)

	f.logger.InfoContext(ctx, "mempool feed connected", slog.String("url", f.wsURL))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pipeline: read mempool feed: %w", err)
		}
		if err := f.handleMessage(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.ErrorContext(ctx, "mempool entry handling failed",
				slog.String("error", err.Error()))
		}
	}
}

func (f *PendingTxFeed) pingLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *PendingTxFeed) handleMessage(ctx context.Context, message []byte) error {
	var raw protocol.RawEvent
	if err := json.Unmarshal(message, &raw); err != nil {
		f.logger.WarnContext(ctx, "dropping malformed mempool entry",
			slog.String("error", err.Error()))
		return nil
	}
	raw.Status = "pending"

	ev, err := f.normalizer.NormalizeEvent(raw)
	if err != nil {
		if errors.Is(err, domain.ErrDecode) {
			f.logger.DebugContext(ctx, "dropping undecodable mempool entry",
				slog.String("protocol", raw.Protocol),
				slog.String("version", raw.Version))
			return nil
		}
		return fmt.Errorf("pipeline: normalize mempool entry %s: %w", raw.ID, err)
	}

	// A confirmed row for the same id wins; the pending copy is a no-op
	// then, so the duplicate insert is simply dropped here rather than
	// flipping the status back.
	if err := f.history.Insert(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("pipeline: insert mempool event %s: %w", ev.ID, err)
	}

	if err := updateWithRetry(ctx, func() error { return f.orders.Update(ctx, ev.OrderHash) }); err != nil {
		return fmt.Errorf("pipeline: update order %s: %w", ev.OrderHash.Hex(), err)
	}
	return nil
}

// Close stops the feed.
func (f *PendingTxFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
