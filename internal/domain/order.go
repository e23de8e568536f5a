package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// OrderStatus is the derived lifecycle state of an order. It is recomputed on
// every reduction and never stored as an independent fact.
type OrderStatus string

const (
	OrderStatusNotStarted OrderStatus = "NOT_STARTED"
	OrderStatusActive     OrderStatus = "ACTIVE"
	OrderStatusInactive   OrderStatus = "INACTIVE"
	OrderStatusEnded      OrderStatus = "ENDED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	// OrderStatusFilled applies to reverse (bid) orders whose full take
	// quantity has been matched.
	OrderStatusFilled OrderStatus = "FILLED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusEnded || s == OrderStatusFilled
}

// NonTerminalStatuses is the set used when querying orders still affected by
// balance updates and sweeps.
var NonTerminalStatuses = []OrderStatus{
	OrderStatusNotStarted, OrderStatusActive, OrderStatusInactive,
}

// Order is the single current row per order hash: a pure projection of the
// versions, confirmed history and live balance at reduction time. It is only
// ever replaced atomically, never patched field by field.
type Order struct {
	Hash  common.Hash
	Maker common.Address
	Taker *common.Address

	Make Asset
	Take Asset

	Salt  *big.Int
	Start *int64 // epoch seconds, nil = no lower bound
	End   *int64 // epoch seconds, nil = open-ended

	Platform Platform
	Data     OrderData

	Fill      *big.Int
	Cancelled bool
	MakeStock *big.Int
	Approved  bool

	Status OrderStatus

	// Pending is the speculative overlay of unconfirmed events. It never
	// feeds Fill/Cancelled; read models apply it on top of the confirmed
	// projection.
	Pending []ExchangeEvent

	MakePrice *decimal.Decimal
	TakePrice *decimal.Decimal

	Signature []byte

	// LastEventID is a keccak accumulator over applied event ids, used to
	// detect replays without diffing whole rows.
	LastEventID string

	CreatedAt    time.Time
	LastUpdateAt time.Time
	DBUpdatedAt  time.Time
}

// IsBid reports whether the order offers currency for an NFT.
func (o Order) IsBid() bool { return o.Take.Type.NFT() }

// IsSell reports whether the order offers an NFT for currency.
func (o Order) IsSell() bool { return o.Make.Type.NFT() }

// NFTAsset returns the NFT side of the order.
func (o Order) NFTAsset() Asset {
	if o.IsSell() {
		return o.Make
	}
	return o.Take
}

// PaymentAsset returns the currency side of the order.
func (o Order) PaymentAsset() Asset {
	if o.IsSell() {
		return o.Take
	}
	return o.Make
}

// PendingFill returns the confirmed fill plus all pending match deltas. Display
// only; the persisted Fill never includes the overlay.
func (o Order) PendingFill() *big.Int {
	fill := new(big.Int).Set(bigOrZero(o.Fill))
	for _, ev := range o.Pending {
		if ev.Kind == EventSideMatch && ev.Match != nil {
			fill.Add(fill, bigOrZero(ev.Match.FillDelta))
		}
	}
	return fill
}

// PendingCancelled reports whether a not-yet-confirmed cancel is in flight.
func (o Order) PendingCancelled() bool {
	for _, ev := range o.Pending {
		if ev.Kind == EventCancel {
			return true
		}
	}
	return false
}

// MakeFill reports whether fill accumulates in make units for this order.
// Only Rarible V2 orders carrying the make-fill data flag do; every other
// protocol counts fill on the take side.
func (o Order) MakeFill() bool {
	d, ok := o.Data.(RaribleV2DataV2)
	return ok && d.IsMakeFill
}

// HashKey derives the stable order identity from the immutable economic terms.
// Mutable fields (taker, signature, payouts, fees) do not participate, so every
// update of an order maps to the same hash.
func HashKey(maker common.Address, makeType, takeType AssetType, salt *big.Int) common.Hash {
	var buf []byte
	buf = append(buf, maker.Bytes()...)
	buf = append(buf, makeType.Hash().Bytes()...)
	buf = append(buf, takeType.Hash().Bytes()...)
	buf = append(buf, common.BigToHash(bigOrZero(salt)).Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// AccumulateEventID folds another applied event id into the accumulator.
func AccumulateEventID(last, eventID string) string {
	return crypto.Keccak256Hash([]byte(last + eventID)).Hex()
}

// VisiblyDiffers reports whether the two projections differ in any field a
// downstream consumer can observe. DBUpdatedAt alone never counts.
func (o Order) VisiblyDiffers(prev Order) bool {
	if o.Status != prev.Status || o.Cancelled != prev.Cancelled || o.Approved != prev.Approved {
		return true
	}
	if !bigEq(o.Fill, prev.Fill) || !bigEq(o.MakeStock, prev.MakeStock) {
		return true
	}
	if !o.Make.Equal(prev.Make) || !o.Take.Equal(prev.Take) {
		return true
	}
	if o.LastEventID != prev.LastEventID || len(o.Pending) != len(prev.Pending) {
		return true
	}
	return !o.LastUpdateAt.Equal(prev.LastUpdateAt)
}

// OrderState is an off-chain final-state override for an order: support and
// reconciliation flows cancel orders without an on-chain event by writing a
// state row, which the reducer applies last.
type OrderState struct {
	Hash         common.Hash
	Cancelled    bool
	Reason       string
	CreatedAt    time.Time
	LastUpdateAt time.Time
}
