package reduce

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethmarket/orderwatch/internal/domain"
)

func TestResolveStatusPrecedence(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()
	soon := now.Add(10 * time.Second).Unix()

	base := func() domain.Order {
		return domain.Order{
			Make:      erc1155Asset(1, 10),
			Take:      ethAsset(1000),
			Approved:  true,
			MakeStock: big.NewInt(10),
		}
	}

	cases := []struct {
		name   string
		mutate func(*domain.Order)
		want   domain.OrderStatus
	}{
		{"active", func(o *domain.Order) {}, domain.OrderStatusActive},
		{"cancelled wins over everything", func(o *domain.Order) {
			o.Cancelled = true
			o.End = &past
			o.MakeStock = new(big.Int)
		}, domain.OrderStatusCancelled},
		{"ended", func(o *domain.Order) { o.End = &past }, domain.OrderStatusEnded},
		{"ended within advance offset", func(o *domain.Order) { o.End = &soon }, domain.OrderStatusEnded},
		{"ended wins over not started", func(o *domain.Order) {
			o.Start = &future
			o.End = &past
		}, domain.OrderStatusEnded},
		{"not started", func(o *domain.Order) { o.Start = &future }, domain.OrderStatusNotStarted},
		{"not approved", func(o *domain.Order) { o.Approved = false }, domain.OrderStatusInactive},
		{"no stock", func(o *domain.Order) { o.MakeStock = new(big.Int) }, domain.OrderStatusInactive},
		{"filled bid", func(o *domain.Order) {
			o.Make, o.Take = ethAsset(1000), erc721Asset(1)
			o.Fill = big.NewInt(1)
			o.MakeStock = new(big.Int)
		}, domain.OrderStatusFilled},
		{"filled make-fill bid", func(o *domain.Order) {
			o.Make, o.Take = ethAsset(1000), erc721Asset(1)
			o.Data = domain.RaribleV2DataV2{IsMakeFill: true}
			o.Fill = big.NewInt(1000)
			o.MakeStock = new(big.Int)
		}, domain.OrderStatusFilled},
		{"filled sell stays inactive", func(o *domain.Order) {
			o.Fill = big.NewInt(1000)
			o.MakeStock = new(big.Int)
		}, domain.OrderStatusInactive},
	}
	for _, tc := range cases {
		o := base()
		tc.mutate(&o)
		if got := ResolveStatus(o, now, 15*time.Second); got != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestResolveStatusDeterministicForFixedClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(20 * time.Second).Unix()
	o := domain.Order{
		Make:      erc1155Asset(1, 5),
		Take:      ethAsset(100),
		Approved:  true,
		MakeStock: big.NewInt(5),
		End:       &end,
	}
	for i := 0; i < 3; i++ {
		if got := ResolveStatus(o, now, 15*time.Second); got != domain.OrderStatusActive {
			t.Fatalf("run %d: status = %s, want ACTIVE", i, got)
		}
	}
	// The same order with the clock advanced past end-advance reads ENDED;
	// only Status moved, never the economic fields.
	if got := ResolveStatus(o, now.Add(10*time.Second), 15*time.Second); got != domain.OrderStatusEnded {
		t.Fatalf("status = %s, want ENDED", got)
	}
}

func TestMakeStockBalanceRounding(t *testing.T) {
	cases := []struct {
		name    string
		order   domain.Order
		balance *big.Int
		want    int64
	}{
		{
			"unbounded when balance unknown",
			domain.Order{Make: erc1155Asset(1, 10), Take: ethAsset(1000), Fill: big.NewInt(400)},
			nil, 6,
		},
		{
			"make-fill counts fill in make units",
			domain.Order{
				Make: erc1155Asset(1, 10), Take: ethAsset(1000),
				Fill: big.NewInt(4), Data: domain.RaribleV2DataV2{IsMakeFill: true},
			},
			nil, 6,
		},
		{
			"bounded by balance rounded to take granularity",
			domain.Order{Make: erc1155Asset(1, 10), Take: ethAsset(1000)},
			big.NewInt(7), 7,
		},
		{
			"cancelled is always zero",
			domain.Order{Make: erc1155Asset(1, 10), Take: ethAsset(1000), Cancelled: true},
			big.NewInt(7), 0,
		},
		{
			"opensea partial balance collapses to zero",
			domain.Order{Make: erc1155Asset(1, 10), Take: ethAsset(1000), Platform: domain.PlatformOpenSea},
			big.NewInt(7), 0,
		},
		{
			"opensea full balance keeps stock",
			domain.Order{Make: erc1155Asset(1, 10), Take: ethAsset(1000), Platform: domain.PlatformOpenSea},
			big.NewInt(10), 10,
		},
	}
	for _, tc := range cases {
		got := makeStock(tc.order, tc.balance)
		if got.Int64() != tc.want {
			t.Fatalf("%s: makeStock = %s, want %d", tc.name, got, tc.want)
		}
	}
}
