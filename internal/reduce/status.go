package reduce

import (
	"time"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// ResolveStatus derives the order status from the reduced projection and the
// supplied clock. It is a pure function of (cancelled, start, end, fill,
// makeStock, approved, now) and the configured advance offset; which event
// triggered the recompute never matters.
//
// advance shifts the effective end earlier, so an order stops matching
// slightly before its on-chain expiry. The same offset applies on every
// evaluation path, keeping the result independent of the trigger source.
func ResolveStatus(o domain.Order, now time.Time, advance time.Duration) domain.OrderStatus {
	switch {
	case o.IsBid() && filled(o):
		return domain.OrderStatusFilled
	case o.Cancelled:
		return domain.OrderStatusCancelled
	case ended(o.End, now, advance):
		return domain.OrderStatusEnded
	case notStarted(o.Start, now):
		return domain.OrderStatusNotStarted
	case !o.Approved:
		return domain.OrderStatusInactive
	case o.MakeStock == nil || o.MakeStock.Sign() == 0:
		return domain.OrderStatusInactive
	default:
		return domain.OrderStatusActive
	}
}

// filled reports whether the whole order has been matched: fill reaches the
// make value for make-fill orders and the take value for everything else.
func filled(o domain.Order) bool {
	target := o.Take.Value
	if o.MakeFill() {
		target = o.Make.Value
	}
	if o.Fill == nil || target == nil || target.Sign() == 0 {
		return false
	}
	return o.Fill.Cmp(target) >= 0
}

func ended(end *int64, now time.Time, advance time.Duration) bool {
	if end == nil || *end == 0 {
		return false
	}
	return *end <= now.Add(advance).Unix()
}

func notStarted(start *int64, now time.Time) bool {
	return start != nil && *start > now.Unix()
}

// ResolveAuctionStatus is the auction counterpart of ResolveStatus.
func ResolveAuctionStatus(a domain.Auction, now time.Time) domain.AuctionStatus {
	switch {
	case a.Cancelled:
		return domain.AuctionStatusCancelled
	case a.Finished:
		return domain.AuctionStatusFinished
	case a.EndTime != nil && !a.EndTime.After(now) && a.LastBid != nil:
		// The window closed with a standing bid; only the on-chain finish
		// settles it, but the read model already shows it as finished.
		return domain.AuctionStatusFinished
	case a.StartTime != nil && a.StartTime.After(now):
		return domain.AuctionStatusNotStarted
	default:
		return domain.AuctionStatusActive
	}
}
