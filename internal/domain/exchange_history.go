package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventStatus is the delivery status of a chain log entry. PENDING events come
// from the mempool or an unconfirmed block; CONFIRMED events are final unless
// the block is reorged away, in which case they flip to REVERTED.
type EventStatus string

const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusConfirmed EventStatus = "CONFIRMED"
	EventStatusReverted  EventStatus = "REVERTED"
)

// EventKind tags the exchange history union.
type EventKind string

const (
	EventOnChainOrder EventKind = "ON_CHAIN_ORDER"
	EventSideMatch    EventKind = "SIDE_MATCH"
	EventCancel       EventKind = "CANCEL"
)

// ChainPosition orders events by their position in the chain log.
type ChainPosition struct {
	BlockNumber int64
	LogIndex    int
}

// Before reports strict chain ordering.
func (p ChainPosition) Before(o ChainPosition) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

// SideMatch is a partial or full execution against the order.
type SideMatch struct {
	FillDelta   *big.Int       `json:"fillDelta"`
	Taker       common.Address `json:"taker"`
	CounterHash *common.Hash   `json:"counterHash,omitempty"`
}

// OrderCancel is an on-chain cancellation of the order.
type OrderCancel struct {
	Maker common.Address `json:"maker"`
}

// OnChainOrder is an order created directly by a contract call rather than a
// signed off-chain intent. Reduction synthesizes an order version from it and
// resets accumulated fill/cancel, which makes punk-style salt-zero orders
// re-openable.
type OnChainOrder struct {
	Maker    common.Address `json:"maker"`
	Taker    *common.Address `json:"taker,omitempty"`
	Make     Asset          `json:"make"`
	Take     Asset          `json:"take"`
	Salt     *big.Int       `json:"salt"`
	Start    *int64         `json:"start,omitempty"`
	End      *int64         `json:"end,omitempty"`
	Platform Platform       `json:"platform"`
	Data     OrderData      `json:"-"`
}

// ExchangeEvent is one normalized exchange history record. Exactly one of
// Match, Cancel, OnChain is set, per Kind. Rows are append-only; only Status
// may change after insert, and deletion happens exclusively through pruning
// tasks.
type ExchangeEvent struct {
	ID        string
	OrderHash common.Hash
	Kind      EventKind
	Status    EventStatus
	Position  ChainPosition
	TxHash    common.Hash
	Date      time.Time

	Match   *SideMatch
	Cancel  *OrderCancel
	OnChain *OnChainOrder
}

// Confirmed is a convenience predicate used by the reducer's event split.
func (e ExchangeEvent) Confirmed() bool { return e.Status == EventStatusConfirmed }

// CanAdvanceTo reports whether the delivery status may move to next. Status is
// monotonic: PENDING advances to CONFIRMED or REVERTED, CONFIRMED only to
// REVERTED on a reorg. Any other transition is a stale redelivery and must be
// dropped, never applied.
func (s EventStatus) CanAdvanceTo(next EventStatus) bool {
	switch s {
	case EventStatusPending:
		return next == EventStatusConfirmed || next == EventStatusReverted
	case EventStatusConfirmed:
		return next == EventStatusReverted
	default:
		return false
	}
}
