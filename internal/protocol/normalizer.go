// Package protocol normalizes raw decoded exchange-contract payloads into the
// canonical domain shapes. Normalization is pure: unknown (protocol, version)
// pairs fail with a DecodeError for that single entry and never fall back to a
// default payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// RawEvent is one decoded log-stream entry before normalization. Payload keeps
// the protocol-specific fields; everything else is the chain envelope.
type RawEvent struct {
	ID          string          `json:"id"`
	Protocol    string          `json:"protocol"`
	Version     string          `json:"version"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	BlockNumber int64           `json:"blockNumber"`
	LogIndex    int             `json:"logIndex"`
	TxHash      string          `json:"txHash"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// Raw event kinds on the wire.
const (
	KindOrderCreated = "order_created"
	KindSideMatch    = "side_match"
	KindCancel       = "cancel"
)

type eventDecoder func(raw RawEvent) (domain.ExchangeEvent, error)

type decoderKey struct {
	protocol string
	version  string
}

// Normalizer maps (protocol, version) pairs to decoders. Construct with New;
// there is no package-level default.
type Normalizer struct {
	decoders map[decoderKey]eventDecoder
}

// New creates a Normalizer with all supported protocol decoders registered.
func New() *Normalizer {
	n := &Normalizer{decoders: make(map[decoderKey]eventDecoder)}
	n.register("rarible", "v2", decodeRaribleV2Event)
	n.register("opensea", "v1", decodeOpenSeaV1Event)
	n.register("cryptopunks", "v1", decodePunkEvent)
	return n
}

func (n *Normalizer) register(protocol, version string, d eventDecoder) {
	n.decoders[decoderKey{protocol, version}] = d
}

// NormalizeEvent converts a raw log entry into a canonical ExchangeEvent.
func (n *Normalizer) NormalizeEvent(raw RawEvent) (domain.ExchangeEvent, error) {
	key := decoderKey{strings.ToLower(raw.Protocol), strings.ToLower(raw.Version)}
	decode, ok := n.decoders[key]
	if !ok {
		return domain.ExchangeEvent{}, fmt.Errorf(
			"%w: unsupported protocol %s/%s", domain.ErrDecode, raw.Protocol, raw.Version)
	}
	ev, err := decode(raw)
	if err != nil {
		return domain.ExchangeEvent{}, err
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s:%d", raw.TxHash, raw.LogIndex)
	}
	return ev, nil
}

// envelope fills the chain-position fields shared by every decoder.
func envelope(raw RawEvent) (domain.ExchangeEvent, error) {
	status, err := parseStatus(raw.Status)
	if err != nil {
		return domain.ExchangeEvent{}, err
	}
	return domain.ExchangeEvent{
		ID:     raw.ID,
		Status: status,
		Position: domain.ChainPosition{
			BlockNumber: raw.BlockNumber,
			LogIndex:    raw.LogIndex,
		},
		TxHash: common.HexToHash(raw.TxHash),
		Date:   raw.Timestamp.UTC(),
	}, nil
}

func parseStatus(s string) (domain.EventStatus, error) {
	switch domain.EventStatus(strings.ToUpper(s)) {
	case domain.EventStatusPending:
		return domain.EventStatusPending, nil
	case domain.EventStatusConfirmed:
		return domain.EventStatusConfirmed, nil
	case domain.EventStatusReverted:
		return domain.EventStatusReverted, nil
	default:
		return "", fmt.Errorf("%w: unknown delivery status %q", domain.ErrDecode, s)
	}
}

// wireAsset is the asset shape used in raw payloads. Values are decimal
// strings to survive any upstream JSON stack.
type wireAsset struct {
	Class   string `json:"assetClass"`
	Token   string `json:"token"`
	TokenID string `json:"tokenId"`
	Value   string `json:"value"`
}

func (w wireAsset) toDomain() (domain.Asset, error) {
	t, err := wireAssetType{Class: w.Class, Token: w.Token, TokenID: w.TokenID}.toDomain()
	if err != nil {
		return domain.Asset{}, err
	}
	v, err := parseBig(w.Value)
	if err != nil {
		return domain.Asset{}, err
	}
	return domain.Asset{Type: t, Value: v}, nil
}

type wireAssetType struct {
	Class   string `json:"assetClass"`
	Token   string `json:"token"`
	TokenID string `json:"tokenId"`
}

func (w wireAssetType) toDomain() (domain.AssetType, error) {
	class := domain.AssetClass(strings.ToUpper(w.Class))
	switch class {
	case domain.AssetClassETH, domain.AssetClassERC20, domain.AssetClassERC721,
		domain.AssetClassERC1155, domain.AssetClassCollection, domain.AssetClassCryptoPunks:
	default:
		return domain.AssetType{}, fmt.Errorf("%w: unknown asset class %q", domain.ErrDecode, w.Class)
	}
	t := domain.AssetType{Class: class, Token: common.HexToAddress(w.Token)}
	if w.TokenID != "" {
		id, err := parseBig(w.TokenID)
		if err != nil {
			return domain.AssetType{}, err
		}
		t.TokenID = id
	}
	return t, nil
}

// parseBig accepts decimal or 0x-prefixed hex integer strings.
func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("%w: malformed integer %q", domain.ErrDecode, s)
	}
	return v, nil
}

func parseAddr(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", domain.ErrDecode, s)
	}
	return common.HexToAddress(s), nil
}

func optAddr(s string) (*common.Address, error) {
	if s == "" {
		return nil, nil
	}
	a, err := parseAddr(s)
	if err != nil {
		return nil, err
	}
	if a == (common.Address{}) {
		return nil, nil
	}
	return &a, nil
}
