package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderStore persists the canonical order read model. Save replaces the whole
// row; there is no partial update by design.
type OrderStore interface {
	Save(ctx context.Context, order Order) error
	GetByHash(ctx context.Context, hash common.Hash) (Order, error)
	Delete(ctx context.Context, hash common.Hash) error

	// ListByMakeAsset returns non-terminal candidate orders whose make side
	// sits on the same token contract as assetType. Callers narrow the
	// candidates with AssetType.Matches, which is where COLLECTION makes
	// resolve against concrete token ids. Orders on platforms without live
	// balance tracking are excluded.
	ListByMakeAsset(ctx context.Context, maker common.Address, assetType AssetType) ([]Order, error)

	// ListBidsOnItem returns non-terminal reverse (bid) orders whose take
	// side is the given NFT.
	ListBidsOnItem(ctx context.Context, token common.Address, tokenID string) ([]Order, error)

	// ListDueToStart returns NOT_STARTED orders whose start is at or before
	// now; ListDueToEnd returns ACTIVE/INACTIVE orders whose end is at or
	// before the deadline.
	ListDueToStart(ctx context.Context, now time.Time, limit int) ([]Order, error)
	ListDueToEnd(ctx context.Context, deadline time.Time, limit int) ([]Order, error)

	// ListHashesAfter streams order hashes in ascending hex order for
	// checkpointed reconciliation scans. Platform filters when non-empty.
	ListHashesAfter(ctx context.Context, after string, platform Platform, limit int) ([]common.Hash, error)
}

// OrderVersionStore persists maker-signed order intents. The reducer only
// reads; inserts come from the external write path and from on-chain order
// synthesis.
type OrderVersionStore interface {
	Insert(ctx context.Context, v OrderVersion) error
	ListByHash(ctx context.Context, hash common.Hash) ([]OrderVersion, error)
	ExistsByOnChainKey(ctx context.Context, key string) (bool, error)
	DeleteByOnChainKey(ctx context.Context, key string) error
}

// ExchangeHistoryStore is the append-only per-hash event log. Only the
// delivery status of a row is mutable; deletion happens exclusively through
// pruning tasks. UpdateStatus is monotonic per EventStatus.CanAdvanceTo: a
// transition that would move backwards is dropped without error, so redelivery
// in any order converges on the furthest status.
type ExchangeHistoryStore interface {
	Insert(ctx context.Context, ev ExchangeEvent) error
	UpdateStatus(ctx context.Context, id string, status EventStatus) error
	ListByHash(ctx context.Context, hash common.Hash) ([]ExchangeEvent, error)
	DeleteByHash(ctx context.Context, hash common.Hash) error
}

// BalanceStore persists MakeBalanceState with uniform asOf last-write-wins:
// Upsert returns ErrStaleBalance when the stored state is newer.
type BalanceStore interface {
	Get(ctx context.Context, owner common.Address, assetType AssetType) (MakeBalanceState, error)
	Upsert(ctx context.Context, state MakeBalanceState) error
}

// OrderStateStore persists off-chain final-state overrides.
type OrderStateStore interface {
	Get(ctx context.Context, hash common.Hash) (OrderState, error)
	Save(ctx context.Context, state OrderState) error
}

// AuctionStore persists the auction read model.
type AuctionStore interface {
	Save(ctx context.Context, auction Auction) error
	GetByHash(ctx context.Context, hash common.Hash) (Auction, error)
	Delete(ctx context.Context, hash common.Hash) error
	ListDueToStart(ctx context.Context, now time.Time, limit int) ([]Auction, error)
	ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]Auction, error)
}

// AuctionHistoryStore is the append-only auction event log plus the activity
// query surface. UpdateStatus follows the same monotonic rule as
// ExchangeHistoryStore.
type AuctionHistoryStore interface {
	Insert(ctx context.Context, ev AuctionEvent) error
	UpdateStatus(ctx context.Context, id string, status EventStatus) error
	ListByHash(ctx context.Context, hash common.Hash) ([]AuctionEvent, error)
	ListActivities(ctx context.Context, filter ActivityFilter) (ActivityPage, error)
}

// TaskStore persists reconciliation checkpoints. Checkpoints are an
// operational interface: monitoring reads them via List.
type TaskStore interface {
	Get(ctx context.Context, taskType, param string) (Task, error)
	Save(ctx context.Context, task Task) error
	List(ctx context.Context) ([]Task, error)
}

// SignalBus publishes and subscribes raw payloads on named channels. It
// carries both the inbound event streams and the outbound domain events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PriceCache resolves the USD rate of a payment asset.
type PriceCache interface {
	GetRate(ctx context.Context, assetType AssetType) (decimal.Decimal, time.Time, error)
	SetRate(ctx context.Context, assetType AssetType, rate decimal.Decimal, asOf time.Time) error
}

// LockManager provides distributed locks, used to keep reconciliation tasks
// single-runner across instances.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Archiver writes batches of pruned rows to cold storage before deletion.
type Archiver interface {
	ArchiveOrders(ctx context.Context, reason string, orders []Order) (string, error)
	ArchiveHistory(ctx context.Context, reason string, events []ExchangeEvent) (string, error)
}
