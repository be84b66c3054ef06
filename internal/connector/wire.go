package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// flexString accepts a JSON string or number; ids arrive as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number or numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// orderStatusMsg is one record of the batch order endpoint and of pushed
// order updates.
type orderStatusMsg struct {
	ID             flexString      `json:"id"`
	Status         *flexInt        `json:"status"`
	CompleteNumber decimal.Decimal `json:"completeNumber"`
	CompleteMoney  decimal.Decimal `json:"completeMoney"`
	AvgPrice       decimal.Decimal `json:"avgPrice"`
	Fee            decimal.Decimal `json:"fee"`
	FeeCoin        string          `json:"feeCoin"`
}

// tradeMsg is one record of the trade history endpoint and of pushed trades.
type tradeMsg struct {
	ID      flexString      `json:"id"`
	OrderID flexString      `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Number  decimal.Decimal `json:"number"`
	Fee     decimal.Decimal `json:"fee"`
	FeeCoin string          `json:"feeCoin"`
	Time    int64           `json:"time"`
}

// openOrderMsg is one record of the open orders endpoint.
type openOrderMsg struct {
	ID             flexString      `json:"id"`
	Price          decimal.Decimal `json:"price"`
	Number         decimal.Decimal `json:"number"`
	CompleteNumber decimal.Decimal `json:"completeNumber"`
	Type           flexInt         `json:"type"`
	EntrustType    flexInt         `json:"entrustType"`
	Time           int64           `json:"time"`
}

type balanceMsg struct {
	Available decimal.Decimal `json:"available"`
	Freeze    decimal.Decimal `json:"freeze"`
}

type createOrderResponse struct {
	Data *struct {
		ID flexString `json:"id"`
	} `json:"data"`
}

// listEnvelope decodes {"data": [...]}. ok is false when data is absent.
func listEnvelope[T any](raw json.RawMessage) (items []T, ok bool, err error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, err
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, false, nil
	}
	if err := json.Unmarshal(env.Data, &items); err != nil {
		return nil, true, err
	}
	return items, true, nil
}
