package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// Legacy OpenSea (wyvern) payloads. The contract emits only matches and
// cancels; order creation is purely off-chain.

type openSeaMatchPayload struct {
	BuyHash  string    `json:"buyHash"`
	SellHash string    `json:"sellHash"`
	Price    string    `json:"price"`
	Maker    string    `json:"maker"`
	Taker    string    `json:"taker"`
	Make     wireAsset `json:"make"`
}

type openSeaCancelPayload struct {
	Hash  string `json:"hash"`
	Maker string `json:"maker"`
}

func decodeOpenSeaV1Event(raw RawEvent) (domain.ExchangeEvent, error) {
	ev, err := envelope(raw)
	if err != nil {
		return domain.ExchangeEvent{}, err
	}

	switch raw.Kind {
	case KindSideMatch:
		var p openSeaMatchPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: opensea match payload: %v", domain.ErrDecode, err)
		}
		taker, err := parseAddr(p.Taker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		// Wyvern orders always fill in full; the delta is the whole make
		// quantity of the matched side.
		make_, err := p.Make.toDomain()
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = common.HexToHash(p.SellHash)
		ev.Kind = domain.EventSideMatch
		ev.Match = &domain.SideMatch{FillDelta: make_.Value, Taker: taker}
		if p.BuyHash != "" {
			ch := common.HexToHash(p.BuyHash)
			ev.Match.CounterHash = &ch
		}
		return ev, nil

	case KindCancel:
		var p openSeaCancelPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: opensea cancel payload: %v", domain.ErrDecode, err)
		}
		maker, err := parseAddr(p.Maker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = common.HexToHash(p.Hash)
		ev.Kind = domain.EventCancel
		ev.Cancel = &domain.OrderCancel{Maker: maker}
		return ev, nil

	default:
		return domain.ExchangeEvent{}, fmt.Errorf("%w: unknown opensea event kind %q", domain.ErrDecode, raw.Kind)
	}
}
