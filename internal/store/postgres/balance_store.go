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

// BalanceStore implements domain.BalanceStore. The asOf guard lives in the
// upsert itself, so last-write-wins holds for every caller without relying on
// application-level checks.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Get returns the last known balance for (owner, assetType).
func (s *BalanceStore) Get(ctx context.Context, owner common.Address, assetType domain.AssetType) (domain.MakeBalanceState, error) {
	var (
		value string
		state = domain.MakeBalanceState{Owner: owner, AssetType: assetType}
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value::text, as_of FROM make_balances WHERE owner = $1 AND asset_key = $2`,
		owner.Hex(), assetType.Key(),
	).Scan(&value, &state.AsOf)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MakeBalanceState{}, domain.ErrNotFound
		}
		return domain.MakeBalanceState{}, fmt.Errorf("postgres: get balance %s/%s: %w",
			owner.Hex(), assetType.Key(), err)
	}
	if state.Value, err = textToBig(value); err != nil {
		return domain.MakeBalanceState{}, err
	}
	return state, nil
}

// Upsert applies the state under last-write-wins by as_of. The condition sits
// in the ON CONFLICT clause: a stale write matches zero rows and reports
// domain.ErrStaleBalance without a read-modify-write race.
func (s *BalanceStore) Upsert(ctx context.Context, state domain.MakeBalanceState) error {
	class, token, tokenID := assetTypeCols(state.AssetType)
	const query = `
		INSERT INTO make_balances (owner, asset_key, class, token, token_id, value, as_of)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (owner, asset_key) DO UPDATE
			SET value = EXCLUDED.value, as_of = EXCLUDED.as_of
			WHERE make_balances.as_of < EXCLUDED.as_of`
	tag, err := s.pool.Exec(ctx, query,
		state.Owner.Hex(), state.AssetType.Key(), class, token, tokenID,
		bigToText(state.Value), state.AsOf,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert balance %s/%s: %w",
			state.Owner.Hex(), state.AssetType.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleBalance
	}
	return nil
}
