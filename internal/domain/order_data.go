package domain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Platform identifies the marketplace an order originates from.
type Platform string

const (
	PlatformRarible     Platform = "RARIBLE"
	PlatformOpenSea     Platform = "OPEN_SEA"
	PlatformCryptoPunks Platform = "CRYPTO_PUNKS"
)

// SupportsLiveBalance reports whether orders on this platform derive their
// make stock from the maker's live balance. Legacy OpenSea orders fix their
// stock at creation time and are excluded from balance-driven updates.
func (p Platform) SupportsLiveBalance() bool {
	return p != PlatformOpenSea
}

// DataKind tags the protocol-specific payload variant of an order.
type DataKind string

const (
	DataRaribleV2V1 DataKind = "RARIBLE_V2_DATA_V1"
	DataRaribleV2V2 DataKind = "RARIBLE_V2_DATA_V2"
	DataOpenSeaV1   DataKind = "OPEN_SEA_V1_DATA_V1"
	DataCryptoPunks DataKind = "CRYPTO_PUNKS_DATA"
)

// OrderData is the protocol-tagged payload carried by an order. Implementations
// form a closed set; the unexported marker keeps the union sealed within this
// package.
type OrderData interface {
	Kind() DataKind
	orderData()
}

// Part is a payout or origin-fee split in basis points of 10000.
type Part struct {
	Account common.Address `json:"account"`
	Value   int64          `json:"value"`
}

// RaribleV2DataV1 carries payouts and origin fees for Rarible exchange v2
// orders.
type RaribleV2DataV1 struct {
	Payouts    []Part `json:"payouts"`
	OriginFees []Part `json:"originFees"`
}

func (RaribleV2DataV1) Kind() DataKind { return DataRaribleV2V1 }
func (RaribleV2DataV1) orderData()     {}

// RaribleV2DataV2 extends V1 with an explicit make-fill flag. When set, fill
// deltas for the order count make units; otherwise fill counts take units and
// remaining stock converts at the order's exchange rate.
type RaribleV2DataV2 struct {
	Payouts    []Part `json:"payouts"`
	OriginFees []Part `json:"originFees"`
	IsMakeFill bool   `json:"isMakeFill"`
}

func (RaribleV2DataV2) Kind() DataKind { return DataRaribleV2V2 }
func (RaribleV2DataV2) orderData()     {}

// OpenSeaV1Data carries the wyvern-style exchange metadata of legacy OpenSea
// orders. Such orders always fill in full, counted on the sell side.
type OpenSeaV1Data struct {
	Exchange        common.Address `json:"exchange"`
	MakerRelayerFee *big.Int       `json:"makerRelayerFee"`
	TakerRelayerFee *big.Int       `json:"takerRelayerFee"`
	FeeRecipient    common.Address `json:"feeRecipient"`
	Side            int            `json:"side"`
	SaleKind        int            `json:"saleKind"`
}

func (OpenSeaV1Data) Kind() DataKind { return DataOpenSeaV1 }
func (OpenSeaV1Data) orderData()     {}

// CryptoPunksData marks on-chain CryptoPunks market orders. They carry no
// off-chain metadata; all punk orders share salt zero and are re-openable.
type CryptoPunksData struct{}

func (CryptoPunksData) Kind() DataKind { return DataCryptoPunks }
func (CryptoPunksData) orderData()     {}

// dataEnvelope is the persisted JSON shape of an OrderData value. The
// discriminator mirrors the wire tag used by the normalizer.
type dataEnvelope struct {
	Type    DataKind        `json:"@type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalOrderData encodes an OrderData union value with its discriminator.
func MarshalOrderData(d OrderData) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("domain: nil order data")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("domain: marshal order data %s: %w", d.Kind(), err)
	}
	return json.Marshal(dataEnvelope{Type: d.Kind(), Payload: payload})
}

// UnmarshalOrderData decodes a discriminated OrderData envelope. An unknown
// discriminator is a DecodeError: the stored payload cannot be interpreted.
func UnmarshalOrderData(raw []byte) (OrderData, error) {
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("domain: decode order data envelope: %w", err)
	}
	var (
		d   OrderData
		err error
	)
	switch env.Type {
	case DataRaribleV2V1:
		var v RaribleV2DataV1
		err = json.Unmarshal(env.Payload, &v)
		d = v
	case DataRaribleV2V2:
		var v RaribleV2DataV2
		err = json.Unmarshal(env.Payload, &v)
		d = v
	case DataOpenSeaV1:
		var v OpenSeaV1Data
		err = json.Unmarshal(env.Payload, &v)
		d = v
	case DataCryptoPunks:
		d = CryptoPunksData{}
	default:
		return nil, fmt.Errorf("%w: unknown order data type %q", ErrDecode, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("domain: decode order data %s: %w", env.Type, err)
	}
	return d, nil
}
