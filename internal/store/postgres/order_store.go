package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Save replaces the whole row for the order's hash. Field-level patches do
// not exist: the reducer is the only writer and always produces a complete
// projection.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	makeClass, makeToken, makeTokenID := assetTypeCols(o.Make.Type)
	takeClass, takeToken, takeTokenID := assetTypeCols(o.Take.Type)

	data, err := domain.MarshalOrderData(o.Data)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.Hash.Hex(), err)
	}
	pending, err := marshalPending(o.Pending)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.Hash.Hex(), err)
	}

	const query = `
		INSERT INTO orders (
			hash, maker, taker,
			make_class, make_token, make_token_id, make_value,
			take_class, take_token, take_token_id, take_value,
			salt, start_at, end_at, platform, data,
			fill, cancelled, make_stock, approved, status, pending,
			make_price_usd, take_price_usd, signature, last_event_id,
			created_at, last_update_at, db_updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7::numeric,
			$8, $9, $10, $11::numeric,
			$12, $13, $14, $15, $16,
			$17::numeric, $18, $19::numeric, $20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, NOW()
		)
		ON CONFLICT (hash) DO UPDATE SET
			maker = EXCLUDED.maker, taker = EXCLUDED.taker,
			make_class = EXCLUDED.make_class, make_token = EXCLUDED.make_token,
			make_token_id = EXCLUDED.make_token_id, make_value = EXCLUDED.make_value,
			take_class = EXCLUDED.take_class, take_token = EXCLUDED.take_token,
			take_token_id = EXCLUDED.take_token_id, take_value = EXCLUDED.take_value,
			salt = EXCLUDED.salt, start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
			platform = EXCLUDED.platform, data = EXCLUDED.data,
			fill = EXCLUDED.fill, cancelled = EXCLUDED.cancelled,
			make_stock = EXCLUDED.make_stock, approved = EXCLUDED.approved,
			status = EXCLUDED.status, pending = EXCLUDED.pending,
			make_price_usd = EXCLUDED.make_price_usd, take_price_usd = EXCLUDED.take_price_usd,
			signature = EXCLUDED.signature, last_event_id = EXCLUDED.last_event_id,
			created_at = EXCLUDED.created_at, last_update_at = EXCLUDED.last_update_at,
			db_updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		o.Hash.Hex(), o.Maker.Hex(), optAddrToText(o.Taker),
		makeClass, makeToken, makeTokenID, bigToText(o.Make.Value),
		takeClass, takeToken, takeTokenID, bigToText(o.Take.Value),
		bigToText(o.Salt), o.Start, o.End, string(o.Platform), data,
		bigToText(o.Fill), o.Cancelled, bigToText(o.MakeStock), o.Approved,
		string(o.Status), pending,
		o.MakePrice, o.TakePrice, o.Signature, o.LastEventID,
		o.CreatedAt, o.LastUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.Hash.Hex(), err)
	}
	return nil
}

const orderSelectCols = `hash, maker, taker,
	make_class, make_token, make_token_id, make_value::text,
	take_class, take_token, take_token_id, take_value::text,
	salt::text, start_at, end_at, platform, data,
	fill::text, cancelled, make_stock::text, approved, status, pending,
	make_price_usd, take_price_usd, signature, last_event_id,
	created_at, last_update_at, db_updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		o                         domain.Order
		hash, maker               string
		taker                     *string
		makeClass, makeToken      string
		makeTokenID               *string
		makeValue                 string
		takeClass, takeToken      string
		takeTokenID               *string
		takeValue                 string
		salt, fill, makeStock     string
		platform, status          string
		data, pending             []byte
		makePrice, takePrice      *decimal.Decimal
	)
	err := scanner.Scan(
		&hash, &maker, &taker,
		&makeClass, &makeToken, &makeTokenID, &makeValue,
		&takeClass, &takeToken, &takeTokenID, &takeValue,
		&salt, &o.Start, &o.End, &platform, &data,
		&fill, &o.Cancelled, &makeStock, &o.Approved, &status, &pending,
		&makePrice, &takePrice, &o.Signature, &o.LastEventID,
		&o.CreatedAt, &o.LastUpdateAt, &o.DBUpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Hash = common.HexToHash(hash)
	o.Maker = common.HexToAddress(maker)
	o.Taker = optTextToAddr(taker)
	if o.Make, err = assetFromCols(makeClass, makeToken, makeTokenID, makeValue); err != nil {
		return domain.Order{}, err
	}
	if o.Take, err = assetFromCols(takeClass, takeToken, takeTokenID, takeValue); err != nil {
		return domain.Order{}, err
	}
	if o.Salt, err = textToBig(salt); err != nil {
		return domain.Order{}, err
	}
	if o.Fill, err = textToBig(fill); err != nil {
		return domain.Order{}, err
	}
	if o.MakeStock, err = textToBig(makeStock); err != nil {
		return domain.Order{}, err
	}
	o.Platform = domain.Platform(platform)
	o.Status = domain.OrderStatus(status)
	if o.Data, err = domain.UnmarshalOrderData(data); err != nil {
		return domain.Order{}, err
	}
	if o.Pending, err = unmarshalPending(pending); err != nil {
		return domain.Order{}, err
	}
	o.MakePrice = makePrice
	o.TakePrice = takePrice
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByHash retrieves a single order.
func (s *OrderStore) GetByHash(ctx context.Context, hash common.Hash) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE hash = $1`, hash.Hex())
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", hash.Hex(), err)
	}
	return o, nil
}

// Delete removes an order row. Deleting a missing row is not an error.
func (s *OrderStore) Delete(ctx context.Context, hash common.Hash) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE hash = $1`, hash.Hex()); err != nil {
		return fmt.Errorf("postgres: delete order %s: %w", hash.Hex(), err)
	}
	return nil
}

var nonTerminalList = func() string {
	quoted := make([]string, len(domain.NonTerminalStatuses))
	for i, st := range domain.NonTerminalStatuses {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}()

// ListByMakeAsset returns non-terminal, live-balance candidate orders of
// maker whose make side sits on assetType's token contract. The row filter is
// deliberately coarse: the exact-type and COLLECTION narrowing happens in the
// caller through AssetType.Matches.
func (s *OrderStore) ListByMakeAsset(ctx context.Context, maker common.Address, assetType domain.AssetType) ([]domain.Order, error) {
	_, token, _ := assetTypeCols(assetType)
	query := `SELECT ` + orderSelectCols + ` FROM orders
		 WHERE maker = $1 AND make_token = $2
		   AND platform <> '` + string(domain.PlatformOpenSea) + `'
		   AND status IN (` + nonTerminalList + `)`
	rows, err := s.pool.Query(ctx, query, maker.Hex(), token)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by make asset: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by make asset: %w", err)
	}
	return orders, nil
}

// ListBidsOnItem returns non-terminal bids whose take side is the given NFT.
func (s *OrderStore) ListBidsOnItem(ctx context.Context, token common.Address, tokenID string) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		 WHERE take_token = $1 AND take_token_id = $2
		   AND status IN (` + nonTerminalList + `)`
	rows, err := s.pool.Query(ctx, query, token.Hex(), tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids on item: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bids on item: %w", err)
	}
	return orders, nil
}

// ListDueToStart returns NOT_STARTED orders whose start time has arrived.
func (s *OrderStore) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status = $1 AND start_at IS NOT NULL AND start_at <= $2
		 ORDER BY start_at LIMIT $3`,
		string(domain.OrderStatusNotStarted), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders due to start: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders due to start: %w", err)
	}
	return orders, nil
}

// ListDueToEnd returns ACTIVE/INACTIVE orders ending at or before deadline.
func (s *OrderStore) ListDueToEnd(ctx context.Context, deadline time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ($1, $2) AND end_at IS NOT NULL AND end_at <= $3
		 ORDER BY end_at LIMIT $4`,
		string(domain.OrderStatusActive), string(domain.OrderStatusInactive),
		deadline.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders due to end: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders due to end: %w", err)
	}
	return orders, nil
}

// ListHashesAfter streams hashes in ascending hex order for checkpointed
// scans. The cursor is the last hash of the previous page.
func (s *OrderStore) ListHashesAfter(ctx context.Context, after string, platform domain.Platform, limit int) ([]common.Hash, error) {
	query := `SELECT hash FROM orders WHERE hash > $1`
	args := []any{after}
	if platform != "" {
		query += ` AND platform = $2 ORDER BY hash LIMIT $3`
		args = append(args, string(platform), limit)
	} else {
		query += ` ORDER BY hash LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list hashes after %q: %w", after, err)
	}
	defer rows.Close()

	var hashes []common.Hash
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("postgres: scan hash: %w", err)
		}
		hashes = append(hashes, common.HexToHash(hex))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate hashes: %w", err)
	}
	return hashes, nil
}
