package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// OrderVersionStore implements domain.OrderVersionStore. Versions are
// immutable rows; only on-chain synthesized ones are ever deleted, and only
// when their source event reverts.
type OrderVersionStore struct {
	pool *pgxpool.Pool
}

// NewOrderVersionStore creates an OrderVersionStore.
func NewOrderVersionStore(pool *pgxpool.Pool) *OrderVersionStore {
	return &OrderVersionStore{pool: pool}
}

// Insert stores a new version. A duplicate id or on-chain key reports
// domain.ErrAlreadyExists so idempotent synthesis can ignore it.
func (s *OrderVersionStore) Insert(ctx context.Context, v domain.OrderVersion) error {
	makeClass, makeToken, makeTokenID := assetTypeCols(v.Make.Type)
	takeClass, takeToken, takeTokenID := assetTypeCols(v.Take.Type)

	data, err := domain.MarshalOrderData(v.Data)
	if err != nil {
		return fmt.Errorf("postgres: insert version %s: %w", v.ID, err)
	}
	var onChainKey *string
	if v.OnChainKey != "" {
		onChainKey = &v.OnChainKey
	}

	const query = `
		INSERT INTO order_versions (
			id, hash, maker, taker,
			make_class, make_token, make_token_id, make_value,
			take_class, take_token, take_token_id, take_value,
			salt, start_at, end_at, platform, data,
			signature, approved, on_chain_key, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8::numeric,
			$9, $10, $11, $12::numeric,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21
		)`
	_, err = s.pool.Exec(ctx, query,
		v.ID, v.Hash.Hex(), v.Maker.Hex(), optAddrToText(v.Taker),
		makeClass, makeToken, makeTokenID, bigToText(v.Make.Value),
		takeClass, takeToken, takeTokenID, bigToText(v.Take.Value),
		bigToText(v.Salt), v.Start, v.End, string(v.Platform), data,
		v.Signature, v.Approved, onChainKey, v.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert version %s: %w", v.ID, err)
	}
	return nil
}

// ListByHash returns all versions of an order, oldest first.
func (s *OrderVersionStore) ListByHash(ctx context.Context, hash common.Hash) ([]domain.OrderVersion, error) {
	const query = `
		SELECT id, hash, maker, taker,
			make_class, make_token, make_token_id, make_value::text,
			take_class, take_token, take_token_id, take_value::text,
			salt::text, start_at, end_at, platform, data,
			signature, approved, on_chain_key, created_at
		FROM order_versions
		WHERE hash = $1
		ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list versions %s: %w", hash.Hex(), err)
	}
	defer rows.Close()

	var versions []domain.OrderVersion
	for rows.Next() {
		var (
			v                    domain.OrderVersion
			hashCol, maker       string
			taker                *string
			makeClass, makeToken string
			makeTokenID          *string
			makeValue            string
			takeClass, takeToken string
			takeTokenID          *string
			takeValue            string
			salt, platform       string
			data                 []byte
			onChainKey           *string
		)
		err := rows.Scan(
			&v.ID, &hashCol, &maker, &taker,
			&makeClass, &makeToken, &makeTokenID, &makeValue,
			&takeClass, &takeToken, &takeTokenID, &takeValue,
			&salt, &v.Start, &v.End, &platform, &data,
			&v.Signature, &v.Approved, &onChainKey, &v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan version: %w", err)
		}
		v.Hash = common.HexToHash(hashCol)
		v.Maker = common.HexToAddress(maker)
		v.Taker = optTextToAddr(taker)
		if v.Make, err = assetFromCols(makeClass, makeToken, makeTokenID, makeValue); err != nil {
			return nil, err
		}
		if v.Take, err = assetFromCols(takeClass, takeToken, takeTokenID, takeValue); err != nil {
			return nil, err
		}
		if v.Salt, err = textToBig(salt); err != nil {
			return nil, err
		}
		v.Platform = domain.Platform(platform)
		if v.Data, err = domain.UnmarshalOrderData(data); err != nil {
			return nil, err
		}
		if onChainKey != nil {
			v.OnChainKey = *onChainKey
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate versions: %w", err)
	}
	return versions, nil
}

// ExistsByOnChainKey reports whether a synthesized version exists for the key.
func (s *OrderVersionStore) ExistsByOnChainKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_versions WHERE on_chain_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: exists by on-chain key %q: %w", key, err)
	}
	return exists, nil
}

// DeleteByOnChainKey removes the version synthesized from a reverted on-chain
// creation. Missing rows are fine: the delete is replay-safe.
func (s *OrderVersionStore) DeleteByOnChainKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM order_versions WHERE on_chain_key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete by on-chain key %q: %w", key, err)
	}
	return nil
}
