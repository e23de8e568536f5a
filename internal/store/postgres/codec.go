package postgres

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// Big integers travel as text and cast to NUMERIC(78) in SQL, which covers
// the full uint256 range without driver-specific numeric handling.

func bigToText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func textToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: %w: bad numeric %q", domain.ErrDecode, s)
	}
	return v, nil
}

func optBigToText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func optTextToBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return textToBig(*s)
}

func optAddrToText(a *common.Address) *string {
	if a == nil {
		return nil
	}
	s := a.Hex()
	return &s
}

func optTextToAddr(s *string) *common.Address {
	if s == nil {
		return nil
	}
	a := common.HexToAddress(*s)
	return &a
}

// assetTypeCols flattens an AssetType into its column triple.
func assetTypeCols(t domain.AssetType) (class, token string, tokenID *string) {
	class = string(t.Class)
	token = t.Token.Hex()
	if t.TokenID != nil {
		s := t.TokenID.String()
		tokenID = &s
	}
	return class, token, tokenID
}

func assetTypeFromCols(class, token string, tokenID *string) (domain.AssetType, error) {
	id, err := optTextToBig(tokenID)
	if err != nil {
		return domain.AssetType{}, err
	}
	return domain.AssetType{
		Class:   domain.AssetClass(class),
		Token:   common.HexToAddress(token),
		TokenID: id,
	}, nil
}

func assetFromCols(class, token string, tokenID *string, value string) (domain.Asset, error) {
	t, err := assetTypeFromCols(class, token, tokenID)
	if err != nil {
		return domain.Asset{}, err
	}
	v, err := textToBig(value)
	if err != nil {
		return domain.Asset{}, err
	}
	return domain.Asset{Type: t, Value: v}, nil
}

func marshalPending(events []domain.ExchangeEvent) ([]byte, error) {
	if events == nil {
		events = []domain.ExchangeEvent{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal pending overlay: %w", err)
	}
	return raw, nil
}

func unmarshalPending(raw []byte) ([]domain.ExchangeEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var events []domain.ExchangeEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("postgres: decode pending overlay: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events, nil
}
