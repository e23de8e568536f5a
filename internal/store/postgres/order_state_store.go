package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// OrderStateStore implements domain.OrderStateStore.
type OrderStateStore struct {
	pool *pgxpool.Pool
}

// NewOrderStateStore creates an OrderStateStore.
func NewOrderStateStore(pool *pgxpool.Pool) *OrderStateStore {
	return &OrderStateStore{pool: pool}
}

// Get returns the off-chain final-state override for an order.
func (s *OrderStateStore) Get(ctx context.Context, hash common.Hash) (domain.OrderState, error) {
	state := domain.OrderState{Hash: hash}
	err := s.pool.QueryRow(ctx,
		`SELECT cancelled, reason, created_at, last_update_at
		 FROM order_states WHERE hash = $1`, hash.Hex(),
	).Scan(&state.Cancelled, &state.Reason, &state.CreatedAt, &state.LastUpdateAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderState{}, domain.ErrNotFound
		}
		return domain.OrderState{}, fmt.Errorf("postgres: get order state %s: %w", hash.Hex(), err)
	}
	return state, nil
}

// Save writes the override. Cancellation is final: a saved cancelled=true is
// never flipped back by a later write.
func (s *OrderStateStore) Save(ctx context.Context, state domain.OrderState) error {
	const query = `
		INSERT INTO order_states (hash, cancelled, reason, created_at, last_update_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (hash) DO UPDATE
			SET cancelled = order_states.cancelled OR EXCLUDED.cancelled,
			    reason = EXCLUDED.reason,
			    last_update_at = EXCLUDED.last_update_at`
	if _, err := s.pool.Exec(ctx, query,
		state.Hash.Hex(), state.Cancelled, state.Reason, state.LastUpdateAt,
	); err != nil {
		return fmt.Errorf("postgres: save order state %s: %w", state.Hash.Hex(), err)
	}
	return nil
}
