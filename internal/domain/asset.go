package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AssetClass identifies the on-chain representation of an asset.
type AssetClass string

const (
	AssetClassETH         AssetClass = "ETH"
	AssetClassERC20       AssetClass = "ERC20"
	AssetClassERC721      AssetClass = "ERC721"
	AssetClassERC1155     AssetClass = "ERC1155"
	AssetClassCollection  AssetClass = "COLLECTION"
	AssetClassCryptoPunks AssetClass = "CRYPTO_PUNKS"
)

// AssetType is the identity of an asset: its class plus the token contract
// and, for non-fungibles, the token id. Value/quantity lives on Asset.
type AssetType struct {
	Class   AssetClass `json:"assetClass"`
	Token   common.Address `json:"token,omitempty"`
	TokenID *big.Int   `json:"tokenId,omitempty"`
}

// NFT reports whether this asset type is a non-fungible (or semi-fungible)
// token. Collection offers count as NFT side for stock purposes.
func (t AssetType) NFT() bool {
	switch t.Class {
	case AssetClassERC721, AssetClassERC1155, AssetClassCollection, AssetClassCryptoPunks:
		return true
	default:
		return false
	}
}

// Fungible reports whether balances of this type are divisible currency.
func (t AssetType) Fungible() bool {
	return t.Class == AssetClassETH || t.Class == AssetClassERC20
}

// Hash returns a deterministic 32-byte identity for the asset type. It is
// the building block of the order hash, so it must never depend on mutable
// fields.
func (t AssetType) Hash() common.Hash {
	var buf []byte
	buf = append(buf, []byte(t.Class)...)
	buf = append(buf, t.Token.Bytes()...)
	if t.TokenID != nil {
		buf = append(buf, common.BigToHash(t.TokenID).Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

// Key returns the lookup key used by the balance store for this type.
// Fungible assets are keyed by contract only; NFTs include the token id.
func (t AssetType) Key() string {
	if t.TokenID != nil {
		return fmt.Sprintf("%s:%s:%s", t.Class, t.Token.Hex(), t.TokenID.String())
	}
	return fmt.Sprintf("%s:%s", t.Class, t.Token.Hex())
}

func (t AssetType) String() string { return t.Key() }

// Equal compares asset types by identity.
func (t AssetType) Equal(o AssetType) bool {
	if t.Class != o.Class || t.Token != o.Token {
		return false
	}
	switch {
	case t.TokenID == nil && o.TokenID == nil:
		return true
	case t.TokenID == nil || o.TokenID == nil:
		return false
	default:
		return t.TokenID.Cmp(o.TokenID) == 0
	}
}

// Matches reports whether a balance update for type o affects orders whose
// make side is t. A COLLECTION make matches any token id on the same
// contract.
func (t AssetType) Matches(o AssetType) bool {
	if t.Class == AssetClassCollection {
		return t.Token == o.Token
	}
	return t.Equal(o)
}

// Asset pairs an asset type with a quantity. Quantities are integer base
// units (wei for ETH/ERC20, token count for NFTs).
type Asset struct {
	Type  AssetType `json:"assetType"`
	Value *big.Int  `json:"value"`
}

// Equal compares both type and value.
func (a Asset) Equal(o Asset) bool {
	return a.Type.Equal(o.Type) && bigEq(a.Value, o.Value)
}

func bigEq(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// bigOrZero guards nil big.Int values coming from partially decoded payloads.
func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
