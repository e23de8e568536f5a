package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Downstream channels carrying domain update events for search-index and
// notification consumers.
const (
	ChannelOrderUpdates   = "orders.updated"
	ChannelAuctionUpdates = "auctions.updated"
)

// OrderUpdateEvent is published whenever a reduction changed an externally
// visible field of an order.
type OrderUpdateEvent struct {
	Hash       common.Hash `json:"hash"`
	Status     OrderStatus `json:"status"`
	PrevStatus OrderStatus `json:"prevStatus,omitempty"`
	Fill       string      `json:"fill"`
	MakeStock  string      `json:"makeStock"`
	Cancelled  bool        `json:"cancelled"`
	Platform   Platform    `json:"platform"`

	// Overlay fields: confirmed fill plus the speculative mempool deltas, and
	// whether an unconfirmed cancel is in flight.
	PendingFill      string `json:"pendingFill"`
	PendingCancelled bool   `json:"pendingCancelled"`

	LastUpdateAt time.Time `json:"lastUpdateAt"`
}

// AuctionUpdateEvent is the auction counterpart of OrderUpdateEvent.
type AuctionUpdateEvent struct {
	Hash         common.Hash   `json:"hash"`
	Status       AuctionStatus `json:"status"`
	PrevStatus   AuctionStatus `json:"prevStatus,omitempty"`
	Ongoing      bool          `json:"ongoing"`
	LastUpdateAt time.Time     `json:"lastUpdateAt"`
}
