package protocol

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

const (
	tMaker = "0x1111111111111111111111111111111111111111"
	tTaker = "0x2222222222222222222222222222222222222222"
	tNFT   = "0x3333333333333333333333333333333333333333"
	tHash  = "0x4444444444444444444444444444444444444444444444444444444444444444"
	tTx    = "0x5555555555555555555555555555555555555555555555555555555555555555"
)

func rawRarible(kind string, payload any) RawEvent {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return RawEvent{
		Protocol:    "rarible",
		Version:     "v2",
		Kind:        kind,
		Status:      "confirmed",
		BlockNumber: 100,
		LogIndex:    3,
		TxHash:      tTx,
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:     b,
	}
}

func TestNormalizeUnknownProtocolFailsWithDecodeError(t *testing.T) {
	n := New()
	for _, raw := range []RawEvent{
		{Protocol: "wyvern", Version: "v9"},
		{Protocol: "rarible", Version: "v7"},
	} {
		_, err := n.NormalizeEvent(raw)
		if !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("%s/%s: err = %v, want ErrDecode", raw.Protocol, raw.Version, err)
		}
	}
}

func TestNormalizeRejectsUnknownStatus(t *testing.T) {
	raw := rawRarible(KindCancel, raribleCancelPayload{Hash: tHash, Maker: tMaker})
	raw.Status = "inflight"
	if _, err := New().NormalizeEvent(raw); !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestNormalizeRaribleMatch(t *testing.T) {
	raw := rawRarible(KindSideMatch, raribleMatchPayload{
		Hash:      tHash,
		FillDelta: "250",
		Taker:     tTaker,
	})
	ev, err := New().NormalizeEvent(raw)
	if err != nil {
		t.Fatalf("NormalizeEvent: %v", err)
	}
	if ev.Kind != domain.EventSideMatch {
		t.Fatalf("kind = %s, want %s", ev.Kind, domain.EventSideMatch)
	}
	if ev.OrderHash != common.HexToHash(tHash) {
		t.Fatalf("order hash = %s", ev.OrderHash.Hex())
	}
	if ev.Match == nil || ev.Match.FillDelta.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("match = %+v", ev.Match)
	}
	if ev.Match.Taker != common.HexToAddress(tTaker) {
		t.Fatalf("taker = %s", ev.Match.Taker.Hex())
	}
	if ev.Status != domain.EventStatusConfirmed {
		t.Fatalf("status = %s", ev.Status)
	}
	if ev.Position.BlockNumber != 100 || ev.Position.LogIndex != 3 {
		t.Fatalf("position = %+v", ev.Position)
	}
	// No explicit ID on the wire: derived from (tx, log index).
	if want := tTx + ":3"; ev.ID != want {
		t.Fatalf("id = %q, want %q", ev.ID, want)
	}
}

func TestNormalizeRaribleOnChainOrderDerivesHash(t *testing.T) {
	payload := func(salt string) raribleOnChainPayload {
		var p raribleOnChainPayload
		p.Maker = tMaker
		p.Make = wireAsset{Class: "ERC721", Token: tNFT, TokenID: "42", Value: "1"}
		p.Take = wireAsset{Class: "ETH", Value: "1000"}
		p.Salt = salt
		p.Data.Version = "V2"
		p.Data.IsMakeFill = true
		return p
	}

	n := New()
	ev1, err := n.NormalizeEvent(rawRarible(KindOrderCreated, payload("7")))
	if err != nil {
		t.Fatalf("NormalizeEvent: %v", err)
	}
	ev2, err := n.NormalizeEvent(rawRarible(KindOrderCreated, payload("7")))
	if err != nil {
		t.Fatalf("NormalizeEvent: %v", err)
	}
	if ev1.OrderHash != ev2.OrderHash {
		t.Fatalf("hash not stable: %s vs %s", ev1.OrderHash.Hex(), ev2.OrderHash.Hex())
	}
	ev3, err := n.NormalizeEvent(rawRarible(KindOrderCreated, payload("8")))
	if err != nil {
		t.Fatalf("NormalizeEvent: %v", err)
	}
	if ev1.OrderHash == ev3.OrderHash {
		t.Fatalf("distinct salts collided on %s", ev1.OrderHash.Hex())
	}

	if ev1.OnChain == nil {
		t.Fatal("on-chain order missing")
	}
	if ev1.OnChain.Platform != domain.PlatformRarible {
		t.Fatalf("platform = %s", ev1.OnChain.Platform)
	}
	data, ok := ev1.OnChain.Data.(domain.RaribleV2DataV2)
	if !ok {
		t.Fatalf("data = %T, want RaribleV2DataV2", ev1.OnChain.Data)
	}
	if !data.IsMakeFill {
		t.Fatal("IsMakeFill lost in decode")
	}
}

func TestNormalizeRaribleRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  RawEvent
	}{
		{"unknown kind", rawRarible("order_burned", struct{}{})},
		{"malformed fill", rawRarible(KindSideMatch, raribleMatchPayload{Hash: tHash, FillDelta: "ten", Taker: tTaker})},
		{"malformed maker", rawRarible(KindCancel, raribleCancelPayload{Hash: tHash, Maker: "not-an-address"})},
		{"unknown data version", rawRarible(KindOrderCreated, func() raribleOnChainPayload {
			var p raribleOnChainPayload
			p.Maker = tMaker
			p.Make = wireAsset{Class: "ERC721", Token: tNFT, TokenID: "42", Value: "1"}
			p.Take = wireAsset{Class: "ETH", Value: "1000"}
			p.Data.Version = "V9"
			return p
		}())},
		{"unknown asset class", rawRarible(KindOrderCreated, func() raribleOnChainPayload {
			var p raribleOnChainPayload
			p.Maker = tMaker
			p.Make = wireAsset{Class: "ERC9999", Token: tNFT, Value: "1"}
			p.Take = wireAsset{Class: "ETH", Value: "1000"}
			return p
		}())},
	}
	n := New()
	for _, tc := range cases {
		if _, err := n.NormalizeEvent(tc.raw); !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("%s: err = %v, want ErrDecode", tc.name, err)
		}
	}
}
