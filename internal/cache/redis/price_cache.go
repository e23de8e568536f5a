package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// PriceCache implements domain.PriceCache: USD rates per payment asset type,
// stored as a hash at "rate:{assetKey}" with fields "rate" and "ts".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func rateKey(t domain.AssetType) string {
	return "orderwatch:rate:" + t.Key()
}

// SetRate stores the USD rate of an asset type.
func (pc *PriceCache) SetRate(ctx context.Context, assetType domain.AssetType, rate decimal.Decimal, asOf time.Time) error {
	fields := map[string]interface{}{
		"rate": rate.String(),
		"ts":   strconv.FormatInt(asOf.UnixMilli(), 10),
	}
	if err := pc.rdb.HSet(ctx, rateKey(assetType), fields).Err(); err != nil {
		return fmt.Errorf("redis: set rate %s: %w", assetType.Key(), err)
	}
	return nil
}

// GetRate retrieves the USD rate and its timestamp for an asset type. It
// returns domain.ErrNotFound when no rate is cached.
func (pc *PriceCache) GetRate(ctx context.Context, assetType domain.AssetType) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, rateKey(assetType)).Result()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: get rate %s: %w", assetType.Key(), err)
	}
	if len(vals) == 0 {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}

	rateStr, ok := vals["rate"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse rate %s: %w", assetType.Key(), err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	ms, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse rate ts %s: %w", assetType.Key(), err)
	}
	return rate, time.UnixMilli(ms).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
