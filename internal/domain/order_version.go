package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderVersion is one maker-signed snapshot of an order's terms. Versions are
// immutable; an update to mutable fields (taker, signature, payouts) arrives
// as a new version under the same hash. The reducer only reads them.
type OrderVersion struct {
	ID   string
	Hash common.Hash

	Maker common.Address
	Taker *common.Address

	Make Asset
	Take Asset

	Salt  *big.Int
	Start *int64
	End   *int64

	Platform Platform
	Data     OrderData

	Signature []byte
	Approved  bool

	// OnChainKey links versions synthesized from OnChainOrder events to
	// their source log, so a reverted creation can delete exactly its own
	// version.
	OnChainKey string

	CreatedAt time.Time
}

// SameCore reports whether two versions agree on the hash-relevant fields.
// Versions sharing a hash with different cores are an InvariantViolation.
func (v OrderVersion) SameCore(o OrderVersion) bool {
	return v.Maker == o.Maker &&
		v.Make.Type.Equal(o.Make.Type) &&
		v.Take.Type.Equal(o.Take.Type) &&
		bigEq(v.Salt, o.Salt)
}

// VersionFromOnChain synthesizes the order version an OnChainOrder event
// implies.
func VersionFromOnChain(ev ExchangeEvent) OrderVersion {
	oc := ev.OnChain
	return OrderVersion{
		ID:         ev.ID,
		Hash:       ev.OrderHash,
		Maker:      oc.Maker,
		Taker:      oc.Taker,
		Make:       oc.Make,
		Take:       oc.Take,
		Salt:       oc.Salt,
		Start:      oc.Start,
		End:        oc.End,
		Platform:   oc.Platform,
		Data:       oc.Data,
		Approved:   true,
		OnChainKey: ev.ID,
		CreatedAt:  ev.Date,
	}
}
