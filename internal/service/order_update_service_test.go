package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/reduce"
	"github.com/ethmarket/orderwatch/internal/worker"
)

type memOrderStore struct {
	orders map[common.Hash]domain.Order
	saves  int
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: map[common.Hash]domain.Order{}}
}

func (s *memOrderStore) Save(_ context.Context, o domain.Order) error {
	o.DBUpdatedAt = time.Now().UTC()
	s.orders[o.Hash] = o
	s.saves++
	return nil
}

func (s *memOrderStore) GetByHash(_ context.Context, hash common.Hash) (domain.Order, error) {
	o, ok := s.orders[hash]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrderStore) Delete(_ context.Context, hash common.Hash) error {
	delete(s.orders, hash)
	return nil
}

func (s *memOrderStore) ListByMakeAsset(_ context.Context, maker common.Address, at domain.AssetType) ([]domain.Order, error) {
	// Coarse candidate set by token contract, like the SQL store; the
	// caller narrows with AssetType.Matches.
	var out []domain.Order
	for _, o := range s.orders {
		if o.Maker == maker && o.Make.Type.Token == at.Token &&
			!o.Status.Terminal() && o.Platform.SupportsLiveBalance() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListBidsOnItem(_ context.Context, token common.Address, tokenID string) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range s.orders {
		if o.IsBid() && !o.Status.Terminal() &&
			o.Take.Type.Token == token && o.Take.Type.TokenID != nil &&
			o.Take.Type.TokenID.String() == tokenID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListDueToStart(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderStatusNotStarted && o.Start != nil && *o.Start <= now.Unix() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListDueToEnd(_ context.Context, deadline time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range s.orders {
		active := o.Status == domain.OrderStatusActive || o.Status == domain.OrderStatusInactive
		if active && o.End != nil && *o.End <= deadline.Unix() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListHashesAfter(_ context.Context, after string, platform domain.Platform, limit int) ([]common.Hash, error) {
	var hexes []string
	for h, o := range s.orders {
		if platform != "" && o.Platform != platform {
			continue
		}
		hex := strings.ToLower(h.Hex())
		if hex > after {
			hexes = append(hexes, hex)
		}
	}
	sort.Strings(hexes)
	if limit > 0 && len(hexes) > limit {
		hexes = hexes[:limit]
	}
	out := make([]common.Hash, len(hexes))
	for i, hex := range hexes {
		out[i] = common.HexToHash(hex)
	}
	return out, nil
}

type memBus struct {
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type memVersionStore struct{ items []domain.OrderVersion }

func (s *memVersionStore) Insert(_ context.Context, v domain.OrderVersion) error {
	s.items = append(s.items, v)
	return nil
}

func (s *memVersionStore) ListByHash(_ context.Context, hash common.Hash) ([]domain.OrderVersion, error) {
	var out []domain.OrderVersion
	for _, it := range s.items {
		if it.Hash == hash {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *memVersionStore) ExistsByOnChainKey(_ context.Context, key string) (bool, error) {
	for _, it := range s.items {
		if it.OnChainKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *memVersionStore) DeleteByOnChainKey(_ context.Context, key string) error {
	kept := s.items[:0]
	for _, it := range s.items {
		if it.OnChainKey != key {
			kept = append(kept, it)
		}
	}
	s.items = kept
	return nil
}

type memHistoryStore struct{ items []domain.ExchangeEvent }

func (s *memHistoryStore) Insert(_ context.Context, ev domain.ExchangeEvent) error {
	s.items = append(s.items, ev)
	return nil
}

func (s *memHistoryStore) UpdateStatus(_ context.Context, id string, status domain.EventStatus) error {
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].Status.CanAdvanceTo(status) {
				s.items[i].Status = status
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memHistoryStore) ListByHash(_ context.Context, hash common.Hash) ([]domain.ExchangeEvent, error) {
	var out []domain.ExchangeEvent
	for _, it := range s.items {
		if it.OrderHash == hash {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *memHistoryStore) DeleteByHash(_ context.Context, hash common.Hash) error {
	kept := s.items[:0]
	for _, it := range s.items {
		if it.OrderHash != hash {
			kept = append(kept, it)
		}
	}
	s.items = kept
	return nil
}

type memBalanceStore struct{ states map[string]domain.MakeBalanceState }

func (s *memBalanceStore) key(owner common.Address, at domain.AssetType) string {
	return owner.Hex() + "/" + at.Key()
}

func (s *memBalanceStore) Get(_ context.Context, owner common.Address, at domain.AssetType) (domain.MakeBalanceState, error) {
	st, ok := s.states[s.key(owner, at)]
	if !ok {
		return domain.MakeBalanceState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memBalanceStore) Upsert(_ context.Context, st domain.MakeBalanceState) error {
	if s.states == nil {
		s.states = map[string]domain.MakeBalanceState{}
	}
	key := s.key(st.Owner, st.AssetType)
	if prev, ok := s.states[key]; ok && !st.Newer(prev) {
		return domain.ErrStaleBalance
	}
	s.states[key] = st
	return nil
}

type memStateStore struct{ states map[common.Hash]domain.OrderState }

func (s *memStateStore) Get(_ context.Context, hash common.Hash) (domain.OrderState, error) {
	st, ok := s.states[hash]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memStateStore) Save(_ context.Context, st domain.OrderState) error {
	if s.states == nil {
		s.states = map[common.Hash]domain.OrderState{}
	}
	s.states[st.Hash] = st
	return nil
}

type fixture struct {
	orders   *memOrderStore
	versions *memVersionStore
	history  *memHistoryStore
	balances *memBalanceStore
	states   *memStateStore
	bus      *memBus
	updates  *OrderUpdateService
	balancer *BalanceService
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		orders:   newMemOrderStore(),
		versions: &memVersionStore{},
		history:  &memHistoryStore{},
		balances: &memBalanceStore{},
		states:   &memStateStore{},
		bus:      &memBus{},
	}
	reducer := reduce.New(
		f.versions, f.history, f.balances, f.states,
		reduce.Config{AdvanceEndOffset: 15 * time.Second},
		func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) },
		logger,
	)
	f.updates = NewOrderUpdateService(f.orders, reducer, worker.NewKeyedLocks(), f.bus, nil, logger)
	f.balancer = NewBalanceService(f.balances, f.orders, f.updates, logger)
	return f
}

var (
	testMaker = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testNFT   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testTime  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func seedSellOrder(f *fixture, quantity int64) common.Hash {
	make := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(1)},
		Value: big.NewInt(quantity),
	}
	take := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassETH},
		Value: big.NewInt(1000),
	}
	salt := big.NewInt(3)
	hash := domain.HashKey(testMaker, make.Type, take.Type, salt)
	f.versions.items = append(f.versions.items, domain.OrderVersion{
		ID:        "v1",
		Hash:      hash,
		Maker:     testMaker,
		Make:      make,
		Take:      take,
		Salt:      salt,
		Platform:  domain.PlatformRarible,
		Data:      domain.RaribleV2DataV1{},
		Approved:  true,
		CreatedAt: testTime,
	})
	return hash
}

func TestUpdateSavesAndPublishes(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)

	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, err := f.orders.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("stored order missing: %v", err)
	}
	if stored.Status != domain.OrderStatusActive {
		t.Fatalf("status = %s, want ACTIVE", stored.Status)
	}
	msgs := f.bus.published[domain.ChannelOrderUpdates]
	if len(msgs) != 1 {
		t.Fatalf("published %d events, want 1", len(msgs))
	}
	var evt domain.OrderUpdateEvent
	if err := json.Unmarshal(msgs[0], &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Hash != hash || evt.Status != domain.OrderStatusActive {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestUpdateSuppressesNoOpSaves(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)

	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if f.orders.saves != 1 {
		t.Fatalf("saves = %d, want 1 (identical reduction must not rewrite)", f.orders.saves)
	}
	if len(f.bus.published[domain.ChannelOrderUpdates]) != 1 {
		t.Fatalf("no-op update must not publish")
	}
}

func TestUpdateDeletesSourcelessOrder(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.versions.items = nil
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("update after source removal: %v", err)
	}
	if _, err := f.orders.GetByHash(context.Background(), hash); err == nil {
		t.Fatalf("sourceless order row should be deleted")
	}
}

func TestBalanceApplyRetriggersOrders(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	assetType := domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(1)}
	err := f.balancer.Apply(context.Background(), domain.BalanceUpdate{
		Owner:      testMaker,
		AssetType:  assetType,
		NewBalance: new(big.Int),
		AsOf:       testTime.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	stored, err := f.orders.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("stored order missing: %v", err)
	}
	if stored.Status != domain.OrderStatusInactive {
		t.Fatalf("status = %s, want INACTIVE after balance drop", stored.Status)
	}
	if stored.MakeStock.Sign() != 0 {
		t.Fatalf("makeStock = %s, want 0", stored.MakeStock)
	}
}

func TestUpdatePublishesPendingCancelOverlay(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	f.history.items = append(f.history.items, domain.ExchangeEvent{
		ID:        "pc1",
		OrderHash: hash,
		Kind:      domain.EventCancel,
		Status:    domain.EventStatusPending,
		Date:      testTime.Add(time.Minute),
		Cancel:    &domain.OrderCancel{Maker: testMaker},
	})
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("update with pending cancel: %v", err)
	}

	msgs := f.bus.published[domain.ChannelOrderUpdates]
	if len(msgs) != 2 {
		t.Fatalf("published %d events, want 2", len(msgs))
	}
	var evt domain.OrderUpdateEvent
	if err := json.Unmarshal(msgs[1], &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if !evt.PendingCancelled {
		t.Fatalf("event should flag the in-flight cancel: %+v", evt)
	}
	// Confirmed status is untouched until the cancel lands.
	if evt.Status != domain.OrderStatusActive {
		t.Fatalf("status = %s, want ACTIVE", evt.Status)
	}
}

type spyUpdater struct{ hashes []common.Hash }

func (s *spyUpdater) Update(_ context.Context, hash common.Hash) error {
	s.hashes = append(s.hashes, hash)
	return nil
}

func TestBalanceApplyRetriggersCollectionOffers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orders := newMemOrderStore()
	spy := &spyUpdater{}
	balancer := NewBalanceService(&memBalanceStore{}, orders, spy, logger)

	seed := func(id string, makeType domain.AssetType) common.Hash {
		hash := domain.HashKey(testMaker, makeType, domain.AssetType{Class: domain.AssetClassETH}, big.NewInt(int64(len(id))))
		orders.orders[hash] = domain.Order{
			Hash:     hash,
			Maker:    testMaker,
			Make:     domain.Asset{Type: makeType, Value: big.NewInt(1)},
			Take:     domain.Asset{Type: domain.AssetType{Class: domain.AssetClassETH}, Value: big.NewInt(1000)},
			Platform: domain.PlatformRarible,
			Status:   domain.OrderStatusActive,
		}
		return hash
	}
	exact := seed("a", domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(1)})
	collection := seed("bb", domain.AssetType{Class: domain.AssetClassCollection, Token: testNFT})
	seed("ccc", domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(2)})

	err := balancer.Apply(context.Background(), domain.BalanceUpdate{
		Owner:      testMaker,
		AssetType:  domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(1)},
		NewBalance: big.NewInt(5),
		AsOf:       testTime,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	seen := map[common.Hash]bool{}
	for _, h := range spy.hashes {
		seen[h] = true
	}
	if len(spy.hashes) != 2 || !seen[exact] || !seen[collection] {
		t.Fatalf("retriggered %v, want exactly the token-1 order and the collection offer", spy.hashes)
	}
}

func TestBalanceApplyDropsStaleUpdate(t *testing.T) {
	f := newFixture()
	hash := seedSellOrder(f, 10)
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	assetType := domain.AssetType{Class: domain.AssetClassERC1155, Token: testNFT, TokenID: big.NewInt(1)}
	fresh := domain.BalanceUpdate{
		Owner: testMaker, AssetType: assetType,
		NewBalance: big.NewInt(10), AsOf: testTime.Add(time.Hour),
	}
	stale := domain.BalanceUpdate{
		Owner: testMaker, AssetType: assetType,
		NewBalance: new(big.Int), AsOf: testTime,
	}
	if err := f.balancer.Apply(context.Background(), fresh); err != nil {
		t.Fatalf("apply fresh: %v", err)
	}
	if err := f.balancer.Apply(context.Background(), stale); err != nil {
		t.Fatalf("apply stale: %v", err)
	}

	stored, err := f.orders.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("stored order missing: %v", err)
	}
	if stored.Status != domain.OrderStatusActive {
		t.Fatalf("status = %s, want ACTIVE (stale zero balance must not apply)", stored.Status)
	}
	if stored.MakeStock.Int64() != 10 {
		t.Fatalf("makeStock = %s, want 10", stored.MakeStock)
	}
}
