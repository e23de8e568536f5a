package reduce

import (
	"math/big"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// makeStock computes the remaining tradable make quantity from the
// accumulated fill, bounded by the maker's live balance when balance is
// non-nil. Platforms without live balance tracking pass balance = nil and
// keep the stock fixed by fill alone. A cancelled order always has zero
// stock.
//
// Legacy OpenSea orders cannot be partially funded: when the balance covers
// less than the remaining quantity the whole order is unfundable and the
// stock collapses to zero instead of being clamped.
func makeStock(o domain.Order, balance *big.Int) *big.Int {
	zero := new(big.Int)
	if o.Cancelled {
		return zero
	}
	makeValue := o.Make.Value
	takeValue := o.Take.Value
	if makeValue == nil || makeValue.Sign() == 0 || takeValue == nil || takeValue.Sign() == 0 {
		return zero
	}

	remaining := remainingMake(o)
	if balance == nil {
		return remaining
	}

	if o.Platform == domain.PlatformOpenSea {
		if remaining.Cmp(balance) > 0 {
			return zero
		}
		return remaining
	}

	// Round the balance down to a quantity that still divides evenly into
	// take units, so a clamped partial fill never produces a dust price.
	rounded := roundedBalance(makeValue, takeValue, balance)
	if remaining.Cmp(rounded) > 0 {
		return rounded
	}
	return remaining
}

// remainingMake converts the accumulated fill into the remaining make
// quantity, floored at zero. Make-fill orders subtract the fill directly:
//
//	remaining = make.value - fill
//
// Every other order counts fill in take units, so the remainder is taken on
// the take side and converted at the order's exchange rate, rounding down:
//
//	remaining = (take.value - fill) * make.value / take.value
func remainingMake(o domain.Order) *big.Int {
	fill := new(big.Int)
	if o.Fill != nil {
		fill.Set(o.Fill)
	}

	if o.MakeFill() {
		remaining := new(big.Int).Sub(o.Make.Value, fill)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
		return remaining
	}

	remainingTake := new(big.Int).Sub(o.Take.Value, fill)
	if remainingTake.Sign() < 0 {
		remainingTake.SetInt64(0)
	}
	remaining := remainingTake.Mul(remainingTake, o.Make.Value)
	return remaining.Div(remaining, o.Take.Value)
}

// roundedBalance returns the largest quantity <= balance exchangeable at the
// order's make/take ratio without a fractional take remainder.
func roundedBalance(makeValue, takeValue, balance *big.Int) *big.Int {
	maxTake := new(big.Int).Mul(balance, takeValue)
	maxTake.Div(maxTake, makeValue)
	out := new(big.Int).Mul(makeValue, maxTake)
	return out.Div(out, takeValue)
}
