package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// AuctionStore implements domain.AuctionStore.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates an AuctionStore.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

// Save replaces the whole auction row.
func (s *AuctionStore) Save(ctx context.Context, a domain.Auction) error {
	sellClass, sellToken, sellTokenID := assetTypeCols(a.Sell.Type)
	buyClass, buyToken, buyTokenID := assetTypeCols(a.Buy)

	var lastBid []byte
	if a.LastBid != nil {
		raw, err := json.Marshal(a.LastBid)
		if err != nil {
			return fmt.Errorf("postgres: save auction %s: %w", a.Hash.Hex(), err)
		}
		lastBid = raw
	}
	pending, err := json.Marshal(a.Pending)
	if err != nil {
		return fmt.Errorf("postgres: save auction %s: %w", a.Hash.Hex(), err)
	}

	const query = `
		INSERT INTO auctions (
			hash, seller,
			sell_class, sell_token, sell_token_id, sell_value,
			buy_class, buy_token, buy_token_id,
			minimal_step, minimal_price, start_time, end_time,
			last_bid, cancelled, finished, ongoing, status, pending,
			last_event_id, created_at, last_update_at, db_updated_at
		) VALUES (
			$1, $2,
			$3, $4, $5, $6::numeric,
			$7, $8, $9,
			$10::numeric, $11::numeric, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22, NOW()
		)
		ON CONFLICT (hash) DO UPDATE SET
			seller = EXCLUDED.seller,
			sell_class = EXCLUDED.sell_class, sell_token = EXCLUDED.sell_token,
			sell_token_id = EXCLUDED.sell_token_id, sell_value = EXCLUDED.sell_value,
			buy_class = EXCLUDED.buy_class, buy_token = EXCLUDED.buy_token,
			buy_token_id = EXCLUDED.buy_token_id,
			minimal_step = EXCLUDED.minimal_step, minimal_price = EXCLUDED.minimal_price,
			start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
			last_bid = EXCLUDED.last_bid, cancelled = EXCLUDED.cancelled,
			finished = EXCLUDED.finished, ongoing = EXCLUDED.ongoing,
			status = EXCLUDED.status, pending = EXCLUDED.pending,
			last_event_id = EXCLUDED.last_event_id,
			created_at = EXCLUDED.created_at, last_update_at = EXCLUDED.last_update_at,
			db_updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query,
		a.Hash.Hex(), a.Seller.Hex(),
		sellClass, sellToken, sellTokenID, bigToText(a.Sell.Value),
		buyClass, buyToken, buyTokenID,
		optBigToText(a.MinimalStep), optBigToText(a.MinimalPrice), a.StartTime, a.EndTime,
		lastBid, a.Cancelled, a.Finished, a.Ongoing, string(a.Status), pending,
		a.LastEventID, a.CreatedAt, a.LastUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save auction %s: %w", a.Hash.Hex(), err)
	}
	return nil
}

const auctionSelectCols = `hash, seller,
	sell_class, sell_token, sell_token_id, sell_value::text,
	buy_class, buy_token, buy_token_id,
	minimal_step::text, minimal_price::text, start_time, end_time,
	last_bid, cancelled, finished, ongoing, status, pending,
	last_event_id, created_at, last_update_at, db_updated_at`

func scanAuction(scanner interface{ Scan(dest ...any) error }) (domain.Auction, error) {
	var (
		a                        domain.Auction
		hash, seller             string
		sellClass, sellToken     string
		sellTokenID              *string
		sellValue                string
		buyClass, buyToken       string
		buyTokenID               *string
		minStep, minPrice        *string
		lastBid, pending         []byte
		status                   string
	)
	err := scanner.Scan(
		&hash, &seller,
		&sellClass, &sellToken, &sellTokenID, &sellValue,
		&buyClass, &buyToken, &buyTokenID,
		&minStep, &minPrice, &a.StartTime, &a.EndTime,
		&lastBid, &a.Cancelled, &a.Finished, &a.Ongoing, &status, &pending,
		&a.LastEventID, &a.CreatedAt, &a.LastUpdateAt, &a.DBUpdatedAt,
	)
	if err != nil {
		return domain.Auction{}, err
	}

	a.Hash = common.HexToHash(hash)
	a.Seller = common.HexToAddress(seller)
	if a.Sell, err = assetFromCols(sellClass, sellToken, sellTokenID, sellValue); err != nil {
		return domain.Auction{}, err
	}
	if a.Buy, err = assetTypeFromCols(buyClass, buyToken, buyTokenID); err != nil {
		return domain.Auction{}, err
	}
	if a.MinimalStep, err = optTextToBig(minStep); err != nil {
		return domain.Auction{}, err
	}
	if a.MinimalPrice, err = optTextToBig(minPrice); err != nil {
		return domain.Auction{}, err
	}
	if len(lastBid) > 0 {
		a.LastBid = &domain.Bid{}
		if err := json.Unmarshal(lastBid, a.LastBid); err != nil {
			return domain.Auction{}, fmt.Errorf("postgres: decode last bid: %w", err)
		}
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &a.Pending); err != nil {
			return domain.Auction{}, fmt.Errorf("postgres: decode auction pending: %w", err)
		}
		if len(a.Pending) == 0 {
			a.Pending = nil
		}
	}
	a.Status = domain.AuctionStatus(status)
	return a, nil
}

func (s *AuctionStore) scanRows(rows pgx.Rows) ([]domain.Auction, error) {
	defer rows.Close()
	var auctions []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

// GetByHash retrieves a single auction.
func (s *AuctionStore) GetByHash(ctx context.Context, hash common.Hash) (domain.Auction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions WHERE hash = $1`, hash.Hex())
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, fmt.Errorf("postgres: get auction %s: %w", hash.Hex(), err)
	}
	return a, nil
}

// Delete removes an auction row.
func (s *AuctionStore) Delete(ctx context.Context, hash common.Hash) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM auctions WHERE hash = $1`, hash.Hex()); err != nil {
		return fmt.Errorf("postgres: delete auction %s: %w", hash.Hex(), err)
	}
	return nil
}

// ListDueToStart returns NOT_STARTED auctions whose start time has arrived.
func (s *AuctionStore) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions
		 WHERE status = $1 AND start_time IS NOT NULL AND start_time <= $2
		 ORDER BY start_time LIMIT $3`,
		string(domain.AuctionStatusNotStarted), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list auctions due to start: %w", err)
	}
	auctions, err := s.scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan auctions due to start: %w", err)
	}
	return auctions, nil
}

// ListDueToEnd returns ACTIVE auctions whose end time has passed.
func (s *AuctionStore) ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions
		 WHERE status = $1 AND end_time IS NOT NULL AND end_time <= $2
		 ORDER BY end_time LIMIT $3`,
		string(domain.AuctionStatusActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list auctions due to end: %w", err)
	}
	auctions, err := s.scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan auctions due to end: %w", err)
	}
	return auctions, nil
}
