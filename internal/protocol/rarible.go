package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// Rarible exchange v2 payload shapes.

type raribleMatchPayload struct {
	Hash        string    `json:"hash"`
	CounterHash string    `json:"counterHash"`
	FillDelta   string    `json:"fillDelta"`
	Taker       string    `json:"taker"`
	Make        wireAsset `json:"make"`
	Take        wireAsset `json:"take"`
}

type raribleCancelPayload struct {
	Hash  string `json:"hash"`
	Maker string `json:"maker"`
}

type raribleOnChainPayload struct {
	Maker string    `json:"maker"`
	Taker string    `json:"taker"`
	Make  wireAsset `json:"make"`
	Take  wireAsset `json:"take"`
	Salt  string    `json:"salt"`
	Start *int64    `json:"start"`
	End   *int64    `json:"end"`
	Data  struct {
		Version    string        `json:"version"`
		Payouts    []rariblePart `json:"payouts"`
		OriginFees []rariblePart `json:"originFees"`
		IsMakeFill bool          `json:"isMakeFill"`
	} `json:"data"`
}

type rariblePart struct {
	Account string `json:"account"`
	Value   int64  `json:"value"`
}

func toParts(in []rariblePart) ([]domain.Part, error) {
	out := make([]domain.Part, 0, len(in))
	for _, p := range in {
		addr, err := parseAddr(p.Account)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Part{Account: addr, Value: p.Value})
	}
	return out, nil
}

// decodeRaribleOrderData builds the OrderData variant for a Rarible v2 order
// payload version tag ("V1" or "V2").
func decodeRaribleOrderData(version string, payouts, originFees []rariblePart, makeFill bool) (domain.OrderData, error) {
	p, err := toParts(payouts)
	if err != nil {
		return nil, err
	}
	f, err := toParts(originFees)
	if err != nil {
		return nil, err
	}
	switch version {
	case "", "V1":
		return domain.RaribleV2DataV1{Payouts: p, OriginFees: f}, nil
	case "V2":
		return domain.RaribleV2DataV2{Payouts: p, OriginFees: f, IsMakeFill: makeFill}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rarible data version %q", domain.ErrDecode, version)
	}
}

func decodeRaribleV2Event(raw RawEvent) (domain.ExchangeEvent, error) {
	ev, err := envelope(raw)
	if err != nil {
		return domain.ExchangeEvent{}, err
	}

	switch raw.Kind {
	case KindSideMatch:
		var p raribleMatchPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: rarible match payload: %v", domain.ErrDecode, err)
		}
		fill, err := parseBig(p.FillDelta)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		taker, err := parseAddr(p.Taker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = common.HexToHash(p.Hash)
		ev.Kind = domain.EventSideMatch
		ev.Match = &domain.SideMatch{FillDelta: fill, Taker: taker}
		if p.CounterHash != "" {
			ch := common.HexToHash(p.CounterHash)
			ev.Match.CounterHash = &ch
		}
		return ev, nil

	case KindCancel:
		var p raribleCancelPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: rarible cancel payload: %v", domain.ErrDecode, err)
		}
		maker, err := parseAddr(p.Maker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = common.HexToHash(p.Hash)
		ev.Kind = domain.EventCancel
		ev.Cancel = &domain.OrderCancel{Maker: maker}
		return ev, nil

	case KindOrderCreated:
		var p raribleOnChainPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return domain.ExchangeEvent{}, fmt.Errorf("%w: rarible on-chain order payload: %v", domain.ErrDecode, err)
		}
		maker, err := parseAddr(p.Maker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		taker, err := optAddr(p.Taker)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		make_, err := p.Make.toDomain()
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		take, err := p.Take.toDomain()
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		salt, err := parseBig(p.Salt)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		data, err := decodeRaribleOrderData(p.Data.Version, p.Data.Payouts, p.Data.OriginFees, p.Data.IsMakeFill)
		if err != nil {
			return domain.ExchangeEvent{}, err
		}
		ev.OrderHash = domain.HashKey(maker, make_.Type, take.Type, salt)
		ev.Kind = domain.EventOnChainOrder
		ev.OnChain = &domain.OnChainOrder{
			Maker:    maker,
			Taker:    taker,
			Make:     make_,
			Take:     take,
			Salt:     salt,
			Start:    p.Start,
			End:      p.End,
			Platform: domain.PlatformRarible,
			Data:     data,
		}
		return ev, nil

	default:
		return domain.ExchangeEvent{}, fmt.Errorf("%w: unknown rarible event kind %q", domain.ErrDecode, raw.Kind)
	}
}
