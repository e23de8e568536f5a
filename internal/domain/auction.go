package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuctionStatus is the derived lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionStatusNotStarted AuctionStatus = "NOT_STARTED"
	AuctionStatusActive     AuctionStatus = "ACTIVE"
	AuctionStatusCancelled  AuctionStatus = "CANCELLED"
	AuctionStatusFinished   AuctionStatus = "FINISHED"
)

// Bid is the best standing bid of an auction.
type Bid struct {
	Bidder common.Address `json:"bidder"`
	Amount *big.Int       `json:"amount"`
	Date   time.Time      `json:"date"`
}

// Auction is the single current row per auction hash, reduced from its
// history with the same fold discipline as Order.
type Auction struct {
	Hash   common.Hash
	Seller common.Address

	Sell Asset
	Buy  AssetType

	MinimalStep  *big.Int
	MinimalPrice *big.Int

	StartTime *time.Time
	EndTime   *time.Time

	LastBid *Bid

	Cancelled bool
	Finished  bool
	// Ongoing mirrors the off-chain STARTED/ENDED markers emitted by the
	// sweep; it lets activity feeds show auctions that began without any
	// on-chain event.
	Ongoing bool

	Status AuctionStatus

	Pending []AuctionEvent

	LastEventID  string
	CreatedAt    time.Time
	LastUpdateAt time.Time
	DBUpdatedAt  time.Time
}

// AuctionEventKind tags the auction history union. CREATED/BID/CANCEL/FINISHED
// come from chain logs; STARTED/ENDED are off-chain markers written by the
// sweep when the auction window opens or closes.
type AuctionEventKind string

const (
	AuctionEventCreated  AuctionEventKind = "CREATED"
	AuctionEventBid      AuctionEventKind = "BID"
	AuctionEventCancel   AuctionEventKind = "CANCEL"
	AuctionEventFinished AuctionEventKind = "FINISHED"
	AuctionEventStarted  AuctionEventKind = "STARTED" // off-chain
	AuctionEventEnded    AuctionEventKind = "ENDED"   // off-chain
)

// OnChain reports whether this kind is backed by a chain log entry.
func (k AuctionEventKind) OnChain() bool {
	return k != AuctionEventStarted && k != AuctionEventEnded
}

// AuctionCreate carries the initial auction terms.
type AuctionCreate struct {
	Seller       common.Address `json:"seller"`
	Sell         Asset          `json:"sell"`
	Buy          AssetType      `json:"buy"`
	MinimalStep  *big.Int       `json:"minimalStep"`
	MinimalPrice *big.Int       `json:"minimalPrice"`
	StartTime    *time.Time     `json:"startTime,omitempty"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
}

// AuctionEvent is one auction history record.
type AuctionEvent struct {
	ID          string
	AuctionHash common.Hash
	Kind        AuctionEventKind
	Status      EventStatus
	Position    ChainPosition
	Date        time.Time

	Create *AuctionCreate
	Bid    *Bid
}

// Confirmed mirrors ExchangeEvent.Confirmed.
func (e AuctionEvent) Confirmed() bool { return e.Status == EventStatusConfirmed }
