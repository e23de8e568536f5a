package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// CryptoPunksMarket payloads. Punk orders live entirely on chain and always
// carry salt zero, so the same hash is reused every time an owner re-lists a
// punk; the reducer handles re-opening via the OnChainOrder reset.

type punkOfferedPayload struct {
	Market  string `json:"market"`
	PunkIdx string `json:"punkIndex"`
	Seller  string `json:"seller"`
	MinWei  string `json:"minValue"`
	ToAddr  string `json:"toAddress"`
}

type punkBoughtPayload struct {
	Market  string `json:"market"`
	PunkIdx string `json:"punkIndex"`
	Seller  string `json:"seller"`
	Buyer   string `json:"buyer"`
	Value   string `json:"value"`
}

type punkNoLongerForSalePayload struct {
	Market  string `json:"market"`
	PunkIdx string `json:"punkIndex"`
	Seller  string `json:"seller"`
}

func decodePunkEvent(raw RawEvent) (domain.ExchangeEvent, error) {
	ev, err := envelope(raw)
	if err != nil {
		return domain.ExchangeEvent{}, err
	}

	switch raw.Kind {
	case KindOrderCreated:
		var p punkOfferedPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: punk offered payload: %v", domain.ErrDecode, err)
		}
		seller, err := parseAddr(p.Seller)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		taker, err := optAddr(p.ToAddr)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		market, err := parseAddr(p.Market)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		punkIdx, err := parseBig(p.PunkIdx)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		minValue, err := parseBig(p.MinWei)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		make_ := domain.Asset{
			Type:  domain.AssetType{Class: domain.AssetClassCryptoPunks, Token: market, TokenID: punkIdx},
			Value: big.NewInt(1),
		}
		take := domain.Asset{
			Type:  domain.AssetType{Class: domain.AssetClassETH},
			Value: minValue,
		}
		salt := new(big.Int) // all punk orders share salt zero
		ev.OrderHash = domain.HashKey(seller, make_.Type, take.Type, salt)
		ev.Kind = domain.EventOnChainOrder
		ev.OnChain = &domain.OnChainOrder{
			Maker:    seller,
			Taker:    taker,
			Make:     make_,
			Take:     take,
			Salt:     salt,
			Platform: domain.PlatformCryptoPunks,
			Data:     domain.CryptoPunksData{},
		}
		return ev, nil

	case KindSideMatch:
		var p punkBoughtPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: punk bought payload: %v", domain.ErrDecode, err)
		}
		seller, err := parseAddr(p.Seller)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		buyer, err := parseAddr(p.Buyer)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		hash, err := punkOrderHash(p.Market, p.PunkIdx, seller)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = hash
		ev.Kind = domain.EventSideMatch
		ev.Match = &domain.SideMatch{FillDelta: big.NewInt(1), Taker: buyer}
		return ev, nil

	case KindCancel:
		var p punkNoLongerForSalePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: punk cancel payload: %v", domain.ErrDecode, err)
		}
		seller, err := parseAddr(p.Seller)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		hash, err := punkOrderHash(p.Market, p.PunkIdx, seller)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = hash
		ev.Kind = domain.EventCancel
		ev.Cancel = &domain.OrderCancel{Maker: seller}
		return ev, nil

	default:
		return domain.ExchangeEvent{}, fmt.Errorf("%w: unknown cryptopunks event kind %q", domain.ErrDecode, raw.Kind)
	}
}

// punkOrderHash rebuilds the deterministic sell-order hash for a punk listing:
// salt is always zero, make is the punk, take is ETH. The take value does not
// participate in the hash, so bought/cancel events need only the punk identity.
func punkOrderHash(market, punkIdx string, seller common.Address) (common.Hash, error) {
	marketAddr, err := parseAddr(market)
	if err != nil {
		return common.Hash{}, err
	}
	idx, err := parseBig(punkIdx)
	if err != nil {
		return common.Hash{}, err
	}
	makeType := domain.AssetType{Class: domain.AssetClassCryptoPunks, Token: marketAddr, TokenID: idx}
	takeType := domain.AssetType{Class: domain.AssetClassETH}
	return domain.HashKey(seller, makeType, takeType, new(big.Int)), nil
}
