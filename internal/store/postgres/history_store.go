package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// HistoryStore implements domain.ExchangeHistoryStore. Rows are append-only:
// after insert only the delivery status changes, and deletion happens through
// the pruning tasks alone.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Insert stores a normalized event. Re-inserting the same id reports
// domain.ErrAlreadyExists; redelivered events flow through UpdateStatus.
func (s *HistoryStore) Insert(ctx context.Context, ev domain.ExchangeEvent) error {
	payload, orderData, err := encodeEventPayload(ev)
	if err != nil {
		return fmt.Errorf("postgres: insert event %s: %w", ev.ID, err)
	}

	const query = `
		INSERT INTO exchange_history (
			id, order_hash, kind, status,
			block_number, log_index, tx_hash, event_date,
			payload, order_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query,
		ev.ID, ev.OrderHash.Hex(), string(ev.Kind), string(ev.Status),
		ev.Position.BlockNumber, ev.Position.LogIndex, ev.TxHash.Hex(), ev.Date,
		payload, orderData,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert event %s: %w", ev.ID, err)
	}
	return nil
}

// UpdateStatus advances the delivery status of an event (confirmation,
// revert). The transition guard sits in the statement itself: a redelivery
// that would move the status backwards matches zero rows and is dropped, so
// a late PENDING copy never downgrades a CONFIRMED event.
func (s *HistoryStore) UpdateStatus(ctx context.Context, id string, status domain.EventStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exchange_history SET status = $1
		 WHERE id = $2
		   AND (status = 'PENDING' OR (status = 'CONFIRMED' AND $1 = 'REVERTED'))`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update event status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM exchange_history WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check event %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

// ListByHash returns every event of an order in chain order.
func (s *HistoryStore) ListByHash(ctx context.Context, hash common.Hash) ([]domain.ExchangeEvent, error) {
	const query = `
		SELECT id, order_hash, kind, status,
			block_number, log_index, tx_hash, event_date,
			payload, order_data
		FROM exchange_history
		WHERE order_hash = $1
		ORDER BY block_number, log_index, id`
	rows, err := s.pool.Query(ctx, query, hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", hash.Hex(), err)
	}
	defer rows.Close()

	var events []domain.ExchangeEvent
	for rows.Next() {
		var (
			ev                domain.ExchangeEvent
			hashCol, txHash   string
			kind, status      string
			payload, oData    []byte
		)
		err := rows.Scan(
			&ev.ID, &hashCol, &kind, &status,
			&ev.Position.BlockNumber, &ev.Position.LogIndex, &txHash, &ev.Date,
			&payload, &oData,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.OrderHash = common.HexToHash(hashCol)
		ev.TxHash = common.HexToHash(txHash)
		ev.Kind = domain.EventKind(kind)
		ev.Status = domain.EventStatus(status)
		if err := decodeEventPayload(&ev, payload, oData); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// DeleteByHash removes all events of an order. Used only by pruning tasks,
// after the rows were archived.
func (s *HistoryStore) DeleteByHash(ctx context.Context, hash common.Hash) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM exchange_history WHERE order_hash = $1`, hash.Hex()); err != nil {
		return fmt.Errorf("postgres: delete events %s: %w", hash.Hex(), err)
	}
	return nil
}

// encodeEventPayload serializes the kind-specific body. On-chain orders carry
// their protocol data in a second column because the OrderData union needs
// its own discriminated envelope.
func encodeEventPayload(ev domain.ExchangeEvent) (payload, orderData []byte, err error) {
	switch ev.Kind {
	case domain.EventSideMatch:
		payload, err = json.Marshal(ev.Match)
	case domain.EventCancel:
		payload, err = json.Marshal(ev.Cancel)
	case domain.EventOnChainOrder:
		payload, err = json.Marshal(ev.OnChain)
		if err == nil && ev.OnChain != nil && ev.OnChain.Data != nil {
			orderData, err = domain.MarshalOrderData(ev.OnChain.Data)
		}
	default:
		err = fmt.Errorf("%w: unknown event kind %q", domain.ErrDecode, ev.Kind)
	}
	return payload, orderData, err
}

func decodeEventPayload(ev *domain.ExchangeEvent, payload, orderData []byte) error {
	switch ev.Kind {
	case domain.EventSideMatch:
		ev.Match = &domain.SideMatch{}
		if err := json.Unmarshal(payload, ev.Match); err != nil {
			return fmt.Errorf("postgres: decode match %s: %w", ev.ID, err)
		}
	case domain.EventCancel:
		ev.Cancel = &domain.OrderCancel{}
		if err := json.Unmarshal(payload, ev.Cancel); err != nil {
			return fmt.Errorf("postgres: decode cancel %s: %w", ev.ID, err)
		}
	case domain.EventOnChainOrder:
		ev.OnChain = &domain.OnChainOrder{}
		if err := json.Unmarshal(payload, ev.OnChain); err != nil {
			return fmt.Errorf("postgres: decode on-chain order %s: %w", ev.ID, err)
		}
		if len(orderData) > 0 {
			data, err := domain.UnmarshalOrderData(orderData)
			if err != nil {
				return fmt.Errorf("postgres: decode on-chain order data %s: %w", ev.ID, err)
			}
			ev.OnChain.Data = data
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", domain.ErrDecode, ev.Kind)
	}
	return nil
}
