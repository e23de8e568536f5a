package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/protocol"
	"github.com/ethmarket/orderwatch/internal/reduce"
	"github.com/ethmarket/orderwatch/internal/service"
	"github.com/ethmarket/orderwatch/internal/worker"
)

var (
	swMaker  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	swBidder = common.HexToAddress("0x2222222222222222222222222222222222222222")
	swNFT    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	swNow    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type memOrderStore struct {
	mu   sync.Mutex
	rows map[common.Hash]domain.Order
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{rows: make(map[common.Hash]domain.Order)}
}

func (s *memOrderStore) Save(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.DBUpdatedAt = time.Now()
	s.rows[o.Hash] = o
	return nil
}

func (s *memOrderStore) GetByHash(_ context.Context, hash common.Hash) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[hash]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrderStore) Delete(_ context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, hash)
	return nil
}

func (s *memOrderStore) ListByMakeAsset(_ context.Context, maker common.Address, at domain.AssetType) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.rows {
		if o.Maker == maker && o.Make.Type.Token == at.Token && !o.Status.Terminal() && o.Platform.SupportsLiveBalance() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListBidsOnItem(_ context.Context, token common.Address, tokenID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.rows {
		if !o.IsBid() || o.Status.Terminal() {
			continue
		}
		id := ""
		if o.Take.Type.TokenID != nil {
			id = o.Take.Type.TokenID.String()
		}
		if o.Take.Type.Token == token && id == tokenID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListDueToStart(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.rows {
		if o.Status == domain.OrderStatusNotStarted && o.Start != nil && *o.Start <= now.Unix() {
			out = append(out, o)
		}
	}
	return capList(out, limit), nil
}

func (s *memOrderStore) ListDueToEnd(_ context.Context, deadline time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.rows {
		active := o.Status == domain.OrderStatusActive || o.Status == domain.OrderStatusInactive
		if active && o.End != nil && *o.End <= deadline.Unix() {
			out = append(out, o)
		}
	}
	return capList(out, limit), nil
}

func (s *memOrderStore) ListHashesAfter(_ context.Context, after string, platform domain.Platform, limit int) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hexes []string
	for h, o := range s.rows {
		if platform != "" && o.Platform != platform {
			continue
		}
		if hex := h.Hex(); hex > after {
			hexes = append(hexes, hex)
		}
	}
	sort.Strings(hexes)
	if limit > 0 && len(hexes) > limit {
		hexes = hexes[:limit]
	}
	out := make([]common.Hash, 0, len(hexes))
	for _, hex := range hexes {
		out = append(out, common.HexToHash(hex))
	}
	return out, nil
}

func capList(in []domain.Order, limit int) []domain.Order {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

type memVersionStore struct {
	mu       sync.Mutex
	versions []domain.OrderVersion
}

func (s *memVersionStore) Insert(_ context.Context, v domain.OrderVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.versions {
		if cur.ID == v.ID {
			return domain.ErrAlreadyExists
		}
	}
	s.versions = append(s.versions, v)
	return nil
}

func (s *memVersionStore) ListByHash(_ context.Context, hash common.Hash) ([]domain.OrderVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderVersion
	for _, v := range s.versions {
		if v.Hash == hash {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memVersionStore) ExistsByOnChainKey(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.OnChainKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *memVersionStore) DeleteByOnChainKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.versions[:0]
	for _, v := range s.versions {
		if v.OnChainKey != key {
			kept = append(kept, v)
		}
	}
	s.versions = kept
	return nil
}

type memHistoryStore struct {
	mu     sync.Mutex
	events map[string]domain.ExchangeEvent
}

func newMemHistoryStore() *memHistoryStore {
	return &memHistoryStore{events: make(map[string]domain.ExchangeEvent)}
}

func (s *memHistoryStore) Insert(_ context.Context, ev domain.ExchangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.events[ev.ID] = ev
	return nil
}

func (s *memHistoryStore) UpdateStatus(_ context.Context, id string, status domain.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !ev.Status.CanAdvanceTo(status) {
		return nil
	}
	ev.Status = status
	s.events[id] = ev
	return nil
}

func (s *memHistoryStore) ListByHash(_ context.Context, hash common.Hash) ([]domain.ExchangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExchangeEvent
	for _, ev := range s.events {
		if ev.OrderHash == hash {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memHistoryStore) DeleteByHash(_ context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ev := range s.events {
		if ev.OrderHash == hash {
			delete(s.events, id)
		}
	}
	return nil
}

func (s *memHistoryStore) get(id string) (domain.ExchangeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok
}

type memBalanceStore struct {
	mu     sync.Mutex
	states map[string]domain.MakeBalanceState
}

func newMemBalanceStore() *memBalanceStore {
	return &memBalanceStore{states: make(map[string]domain.MakeBalanceState)}
}

func balanceKey(owner common.Address, at domain.AssetType) string {
	return owner.Hex() + "|" + at.Key()
}

func (s *memBalanceStore) Get(_ context.Context, owner common.Address, at domain.AssetType) (domain.MakeBalanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[balanceKey(owner, at)]
	if !ok {
		return domain.MakeBalanceState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memBalanceStore) Upsert(_ context.Context, state domain.MakeBalanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey(state.Owner, state.AssetType)
	if cur, ok := s.states[key]; ok && !state.Newer(cur) {
		return domain.ErrStaleBalance
	}
	s.states[key] = state
	return nil
}

type memStateStore struct {
	mu     sync.Mutex
	states map[common.Hash]domain.OrderState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[common.Hash]domain.OrderState)}
}

func (s *memStateStore) Get(_ context.Context, hash common.Hash) (domain.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[hash]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memStateStore) Save(_ context.Context, state domain.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[state.Hash]; ok {
		state.Cancelled = state.Cancelled || cur.Cancelled
	}
	s.states[state.Hash] = state
	return nil
}

type memAuctionStore struct {
	mu   sync.Mutex
	rows map[common.Hash]domain.Auction
}

func newMemAuctionStore() *memAuctionStore {
	return &memAuctionStore{rows: make(map[common.Hash]domain.Auction)}
}

func (s *memAuctionStore) Save(_ context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.Hash] = a
	return nil
}

func (s *memAuctionStore) GetByHash(_ context.Context, hash common.Hash) (domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[hash]
	if !ok {
		return domain.Auction{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *memAuctionStore) Delete(_ context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, hash)
	return nil
}

func (s *memAuctionStore) ListDueToStart(_ context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.rows {
		if a.Status == domain.AuctionStatusNotStarted && a.StartTime != nil && !a.StartTime.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAuctionStore) ListDueToEnd(_ context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.rows {
		if a.Status == domain.AuctionStatusActive && a.EndTime != nil && !a.EndTime.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

type memAuctionHistoryStore struct {
	mu     sync.Mutex
	events map[string]domain.AuctionEvent
}

func newMemAuctionHistoryStore() *memAuctionHistoryStore {
	return &memAuctionHistoryStore{events: make(map[string]domain.AuctionEvent)}
}

func (s *memAuctionHistoryStore) Insert(_ context.Context, ev domain.AuctionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.events[ev.ID] = ev
	return nil
}

func (s *memAuctionHistoryStore) UpdateStatus(_ context.Context, id string, status domain.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !ev.Status.CanAdvanceTo(status) {
		return nil
	}
	ev.Status = status
	s.events[id] = ev
	return nil
}

func (s *memAuctionHistoryStore) ListByHash(_ context.Context, hash common.Hash) ([]domain.AuctionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuctionEvent
	for _, ev := range s.events {
		if ev.AuctionHash == hash {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memAuctionHistoryStore) ListActivities(_ context.Context, filter domain.ActivityFilter) (domain.ActivityPage, error) {
	s.mu.Lock()
	events := make([]domain.AuctionEvent, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Status == domain.EventStatusConfirmed {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()
	return domain.FilterActivities(events, filter)
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{messages: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

// fakeClock lets a test seed rows at one instant and sweep at a later one.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	clock          *fakeClock
	orders         *memOrderStore
	versions       *memVersionStore
	history        *memHistoryStore
	states         *memStateStore
	auctions       *memAuctionStore
	auctionHistory *memAuctionHistoryStore
	bus            *memBus
	updates        *service.OrderUpdateService
	auctionUpdates *service.AuctionUpdateService
	sweep          *Sweep
	consumer       *LogConsumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{t: swNow}
	now := clock.Now

	f := &fixture{
		clock:          clock,
		orders:         newMemOrderStore(),
		versions:       &memVersionStore{},
		history:        newMemHistoryStore(),
		states:         newMemStateStore(),
		auctions:       newMemAuctionStore(),
		auctionHistory: newMemAuctionHistoryStore(),
		bus:            newMemBus(),
	}

	cfg := reduce.Config{AdvanceEndOffset: 15 * time.Second}
	reducer := reduce.New(f.versions, f.history, newMemBalanceStore(), f.states, cfg, now, logger)
	auctionReducer := reduce.NewAuction(f.auctionHistory, cfg, now, logger)

	locks := worker.NewKeyedLocks()
	f.updates = service.NewOrderUpdateService(f.orders, reducer, locks, f.bus, nil, logger)
	f.auctionUpdates = service.NewAuctionUpdateService(f.auctions, auctionReducer, locks, f.bus, logger)

	f.sweep = NewSweep(
		f.orders, f.states, f.updates,
		f.auctions, f.auctionHistory, f.auctionUpdates,
		SweepConfig{Interval: time.Minute, AdvanceEndOffset: 15 * time.Second, BatchSize: 100},
		logger,
	)
	f.sweep.now = now

	f.consumer = NewLogConsumer(f.bus, protocol.New(), f.history, f.updates, logger)
	return f
}

// seedSell installs a signed sell version (1 of NFT tokenID for wei) and the
// matching ACTIVE row. end is optional.
func (f *fixture) seedSell(t *testing.T, tokenID, wei int64, end *int64) common.Hash {
	t.Helper()
	salt := big.NewInt(11)
	mk := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassERC721, Token: swNFT, TokenID: big.NewInt(tokenID)},
		Value: big.NewInt(1),
	}
	tk := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassETH},
		Value: big.NewInt(wei),
	}
	hash := domain.HashKey(swMaker, mk.Type, tk.Type, salt)
	v := domain.OrderVersion{
		ID:        "v-" + hash.Hex(),
		Hash:      hash,
		Maker:     swMaker,
		Make:      mk,
		Take:      tk,
		Salt:      salt,
		End:       end,
		Platform:  domain.PlatformRarible,
		Data:      domain.RaribleV2DataV1{},
		Approved:  true,
		CreatedAt: swNow.Add(-time.Hour),
	}
	if err := f.versions.Insert(context.Background(), v); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return hash
}

// seedBid installs a bid (wei for 1 of NFT tokenID) and its ACTIVE row.
func (f *fixture) seedBid(t *testing.T, tokenID, wei int64) common.Hash {
	t.Helper()
	salt := big.NewInt(12)
	mk := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassETH},
		Value: big.NewInt(wei),
	}
	tk := domain.Asset{
		Type:  domain.AssetType{Class: domain.AssetClassERC721, Token: swNFT, TokenID: big.NewInt(tokenID)},
		Value: big.NewInt(1),
	}
	hash := domain.HashKey(swBidder, mk.Type, tk.Type, salt)
	v := domain.OrderVersion{
		ID:        "v-" + hash.Hex(),
		Hash:      hash,
		Maker:     swBidder,
		Make:      mk,
		Take:      tk,
		Salt:      salt,
		Platform:  domain.PlatformRarible,
		Data:      domain.RaribleV2DataV1{},
		Approved:  true,
		CreatedAt: swNow.Add(-time.Hour),
	}
	if err := f.versions.Insert(context.Background(), v); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	if err := f.updates.Update(context.Background(), hash); err != nil {
		t.Fatalf("seed bid: %v", err)
	}
	return hash
}

func TestSweepEndsDueOrdersAndCancelsBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	end := swNow.Add(5 * time.Minute).Unix()
	sellHash := f.seedSell(t, 9, 1000, &end)
	bidHash := f.seedBid(t, 9, 900)

	sell, err := f.orders.GetByHash(ctx, sellHash)
	if err != nil {
		t.Fatalf("get sell: %v", err)
	}
	if sell.Status != domain.OrderStatusActive {
		t.Fatalf("seeded sell status = %s, want ACTIVE", sell.Status)
	}

	// Move inside the 15s advance window: end is 10s away.
	f.clock.Set(swNow.Add(5*time.Minute - 10*time.Second))
	f.sweep.runOnce(ctx)

	sell, err = f.orders.GetByHash(ctx, sellHash)
	if err != nil {
		t.Fatalf("get sell after sweep: %v", err)
	}
	if sell.Status != domain.OrderStatusEnded {
		t.Fatalf("sell status = %s, want ENDED", sell.Status)
	}

	bid, err := f.orders.GetByHash(ctx, bidHash)
	if err != nil {
		t.Fatalf("get bid after sweep: %v", err)
	}
	if bid.Status != domain.OrderStatusCancelled {
		t.Fatalf("bid status = %s, want CANCELLED", bid.Status)
	}
	if !bid.Cancelled {
		t.Fatalf("bid not marked cancelled")
	}

	state, err := f.states.Get(ctx, bidHash)
	if err != nil {
		t.Fatalf("get bid state: %v", err)
	}
	if !state.Cancelled {
		t.Fatalf("bid state not cancelled")
	}
}

func TestSweepLeavesOpenEndedOrdersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sellHash := f.seedSell(t, 3, 500, nil)
	f.sweep.runOnce(ctx)

	sell, err := f.orders.GetByHash(ctx, sellHash)
	if err != nil {
		t.Fatalf("get sell: %v", err)
	}
	if sell.Status != domain.OrderStatusActive {
		t.Fatalf("sell status = %s, want ACTIVE", sell.Status)
	}
}

func TestSweepStartsDueAuctions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	start := swNow.Add(-time.Minute)
	create := domain.AuctionEvent{
		ID:          "ac-1",
		AuctionHash: hash,
		Kind:        domain.AuctionEventCreated,
		Status:      domain.EventStatusConfirmed,
		Position:    domain.ChainPosition{BlockNumber: 1},
		Date:        swNow.Add(-2 * time.Minute),
		Create: &domain.AuctionCreate{
			Seller: swMaker,
			Sell: domain.Asset{
				Type:  domain.AssetType{Class: domain.AssetClassERC721, Token: swNFT, TokenID: big.NewInt(4)},
				Value: big.NewInt(1),
			},
			Buy:          domain.AssetType{Class: domain.AssetClassETH},
			MinimalStep:  big.NewInt(1),
			MinimalPrice: big.NewInt(100),
			StartTime:    &start,
		},
	}
	if err := f.auctionHistory.Insert(ctx, create); err != nil {
		t.Fatalf("insert create: %v", err)
	}
	if err := f.auctionUpdates.Update(ctx, hash); err != nil {
		t.Fatalf("seed auction: %v", err)
	}

	a, err := f.auctions.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if a.Ongoing {
		t.Fatalf("auction ongoing before sweep")
	}

	f.sweep.runOnce(ctx)

	a, err = f.auctions.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get auction after sweep: %v", err)
	}
	if !a.Ongoing {
		t.Fatalf("auction not marked ongoing")
	}
	if a.Status != domain.AuctionStatusActive {
		t.Fatalf("auction status = %s, want ACTIVE", a.Status)
	}

	markerID := fmt.Sprintf("offchain:%s:%s", hash.Hex(), domain.AuctionEventStarted)
	if _, err := f.auctionHistory.ListByHash(ctx, hash); err != nil {
		t.Fatalf("list history: %v", err)
	}
	f.auctionHistory.mu.Lock()
	_, ok := f.auctionHistory.events[markerID]
	f.auctionHistory.mu.Unlock()
	if !ok {
		t.Fatalf("missing started marker %s", markerID)
	}

	// Second pass dedupes on the marker id and changes nothing.
	f.sweep.runOnce(ctx)
}

func TestIngestExchangeEventMovesStatusOnDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash := f.seedSell(t, 7, 700, nil)
	ev := domain.ExchangeEvent{
		ID:        "ev-dup",
		OrderHash: hash,
		Kind:      domain.EventSideMatch,
		Status:    domain.EventStatusPending,
		Position:  domain.ChainPosition{BlockNumber: 10, LogIndex: 0},
		Date:      swNow,
		Match:     &domain.SideMatch{FillDelta: big.NewInt(1), Taker: swBidder},
	}
	if err := ingestExchangeEvent(ctx, f.history, ev); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	ev.Status = domain.EventStatusConfirmed
	if err := ingestExchangeEvent(ctx, f.history, ev); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	got, ok := f.history.get("ev-dup")
	if !ok {
		t.Fatalf("event missing after ingest")
	}
	if got.Status != domain.EventStatusConfirmed {
		t.Fatalf("event status = %s, want CONFIRMED", got.Status)
	}
}

func TestIngestExchangeEventKeepsConfirmedOnLateRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash := f.seedSell(t, 8, 800, nil)
	ev := domain.ExchangeEvent{
		ID:        "ev-late",
		OrderHash: hash,
		Kind:      domain.EventSideMatch,
		Status:    domain.EventStatusConfirmed,
		Position:  domain.ChainPosition{BlockNumber: 11, LogIndex: 0},
		Date:      swNow,
		Match:     &domain.SideMatch{FillDelta: big.NewInt(1), Taker: swBidder},
	}
	if err := ingestExchangeEvent(ctx, f.history, ev); err != nil {
		t.Fatalf("ingest confirmed: %v", err)
	}

	// An at-least-once stream can replay the mempool copy after confirmation.
	// The replay must not pull the event back out of the confirmed set.
	late := ev
	late.Status = domain.EventStatusPending
	if err := ingestExchangeEvent(ctx, f.history, late); err != nil {
		t.Fatalf("ingest late pending copy: %v", err)
	}
	got, ok := f.history.get("ev-late")
	if !ok {
		t.Fatalf("event missing after redelivery")
	}
	if got.Status != domain.EventStatusConfirmed {
		t.Fatalf("event status = %s, want CONFIRMED after late pending redelivery", got.Status)
	}

	// A reorg still moves the event forward to REVERTED, and REVERTED is
	// final: a replayed confirmation cannot resurrect it.
	revert := ev
	revert.Status = domain.EventStatusReverted
	if err := ingestExchangeEvent(ctx, f.history, revert); err != nil {
		t.Fatalf("ingest revert: %v", err)
	}
	if err := ingestExchangeEvent(ctx, f.history, ev); err != nil {
		t.Fatalf("ingest confirmed replay: %v", err)
	}
	got, _ = f.history.get("ev-late")
	if got.Status != domain.EventStatusReverted {
		t.Fatalf("event status = %s, want REVERTED to stay final", got.Status)
	}
}

func TestOrchestratorFailsWhenConsumerStreamCloses(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(f.consumer, nil, nil, nil, nil, logger)

	// The fixture bus hands out a closed channel, so the consumer's stream
	// ends while the context is still live. That must surface as a real
	// error, not a nil-wrapping artifact or a silent clean exit.
	err := orch.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error when the subscription channel closes mid-run")
	}
	if !strings.Contains(err.Error(), "log consumer") || !strings.Contains(err.Error(), "stopped unexpectedly") {
		t.Fatalf("err = %v, want unexpected-stop error for the log consumer", err)
	}
}

func TestLogConsumerAppliesRaribleCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash := f.seedSell(t, 5, 500, nil)
	payload := fmt.Sprintf(`{
		"id": "raw-1",
		"protocol": "rarible",
		"version": "v2",
		"kind": "cancel",
		"status": "confirmed",
		"blockNumber": 42,
		"logIndex": 3,
		"txHash": "0x4444444444444444444444444444444444444444444444444444444444444444",
		"timestamp": "2024-05-01T11:59:00Z",
		"payload": {"hash": "%s", "maker": "%s"}
	}`, hash.Hex(), swMaker.Hex())

	if err := f.consumer.handleMessage(ctx, []byte(payload)); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	o, err := f.orders.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want CANCELLED", o.Status)
	}
}

func TestLogConsumerDropsUnknownProtocol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{"id":"raw-2","protocol":"wyvern","version":"v9","kind":"cancel","status":"confirmed","payload":{}}`)
	if err := f.consumer.handleMessage(ctx, payload); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(f.history.events) != 0 {
		t.Fatalf("undecodable event was stored")
	}
}
