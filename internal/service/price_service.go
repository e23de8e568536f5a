package service

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// priceScale bounds the precision of per-unit USD prices.
const priceScale = 12

// PriceService enriches reduced orders with USD prices. Rates come from the
// price cache; a missing or stale rate leaves the price fields nil rather than
// failing the reduction, since pricing is presentation only.
type PriceService struct {
	rates    domain.PriceCache
	maxStale time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewPriceService creates a PriceService. maxStale bounds how old a cached
// rate may be before it is ignored; zero disables the check.
func NewPriceService(rates domain.PriceCache, maxStale time.Duration, logger *slog.Logger) *PriceService {
	return &PriceService{
		rates:    rates,
		maxStale: maxStale,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "price_service")),
	}
}

// Enrich fills MakePrice/TakePrice on the order: the per-NFT-unit price in
// USD. Sell orders get MakePrice, bids get TakePrice, matching which side the
// NFT sits on.
func (s *PriceService) Enrich(ctx context.Context, order domain.Order) domain.Order {
	order.MakePrice = nil
	order.TakePrice = nil

	if !order.IsSell() && !order.IsBid() {
		return order
	}
	payment := order.PaymentAsset()
	nft := order.NFTAsset()
	if !payment.Type.Fungible() || bigZero(nft.Value) || bigZero(payment.Value) {
		return order
	}

	rate, asOf, err := s.rates.GetRate(ctx, payment.Type)
	if err != nil {
		s.logger.DebugContext(ctx, "price_service: no rate for payment asset",
			slog.String("asset", payment.Type.Key()),
			slog.String("error", err.Error()),
		)
		return order
	}
	if s.maxStale > 0 && s.now().Sub(asOf) > s.maxStale {
		s.logger.DebugContext(ctx, "price_service: rate too stale",
			slog.String("asset", payment.Type.Key()),
			slog.Time("as_of", asOf),
		)
		return order
	}

	unit := decimal.NewFromBigInt(payment.Value, 0).
		DivRound(decimal.NewFromBigInt(nft.Value, 0), priceScale)
	usd := unit.Mul(rate)

	if order.IsSell() {
		order.MakePrice = &usd
	} else {
		order.TakePrice = &usd
	}
	return order
}

func bigZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }
