package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MakeBalanceState is the last known spendable balance of (owner, assetType).
// AsOf orders competing updates: a state with an older AsOf never overwrites a
// newer one, regardless of arrival order.
type MakeBalanceState struct {
	Owner     common.Address
	AssetType AssetType
	Value     *big.Int
	AsOf      time.Time
}

// Newer reports whether this state supersedes other under last-write-wins by
// AsOf.
func (s MakeBalanceState) Newer(other MakeBalanceState) bool {
	return s.AsOf.After(other.AsOf)
}

// BalanceUpdate is one entry of the external balance/ownership feed.
type BalanceUpdate struct {
	Owner      common.Address `json:"owner"`
	AssetType  AssetType      `json:"assetType"`
	NewBalance *big.Int       `json:"newBalance"`
	AsOf       time.Time      `json:"asOf"`
}
