package order

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the persisted form of an order.
type Snapshot struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	Side            Side            `json:"side"`
	Type            Type            `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	CreatedAt       time.Time       `json:"created_at"`
	ExecutedBase    decimal.Decimal `json:"executed_amount_base"`
	ExecutedQuote   decimal.Decimal `json:"executed_amount_quote"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	LastState       State           `json:"last_state"`
	StatusExecuted  decimal.Decimal `json:"status_executed"`
	TradeExecuted   decimal.Decimal `json:"trade_executed"`
	TradeIDs        []string        `json:"trade_ids,omitempty"`
}

// Snapshot captures the order for persistence.
func (o *Order) Snapshot() Snapshot {
	ids := make([]string, 0, len(o.tradeIDs))
	for id := range o.tradeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID(),
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		Type:            o.Type,
		Price:           o.Price,
		Amount:          o.Amount,
		CreatedAt:       o.CreatedAt,
		ExecutedBase:    o.ExecutedBase,
		ExecutedQuote:   o.ExecutedQuote,
		FeePaid:         o.FeePaid,
		FeeAsset:        o.FeeAsset,
		LastState:       o.LastState,
		StatusExecuted:  o.statusExecuted,
		TradeExecuted:   o.tradeExecuted,
		TradeIDs:        ids,
	}
}

// FromSnapshot rebuilds an order from its persisted form.
func FromSnapshot(s Snapshot) *Order {
	o := New(s.ClientOrderID, s.TradingPair, s.Side, s.Type, s.Price, s.Amount, s.CreatedAt)
	o.ExecutedBase = s.ExecutedBase
	o.ExecutedQuote = s.ExecutedQuote
	o.FeePaid = s.FeePaid
	o.FeeAsset = s.FeeAsset
	o.statusExecuted = s.StatusExecuted
	o.tradeExecuted = s.TradeExecuted
	for _, id := range s.TradeIDs {
		o.tradeIDs[id] = struct{}{}
	}
	if s.ExchangeOrderID != "" {
		o.exchangeOrderID = s.ExchangeOrderID
		o.idOnce.Do(func() { close(o.idReady) })
	}
	o.LastState = s.LastState
	if !o.LastState.Valid() {
		o.LastState = StatePendingCreate
	}
	return o
}

// MarshalSnapshots encodes a set of snapshots keyed by client order id.
func MarshalSnapshots(states map[string]Snapshot) ([]byte, error) {
	return json.Marshal(states)
}

// UnmarshalSnapshots decodes the output of MarshalSnapshots.
func UnmarshalSnapshots(data []byte) (map[string]Snapshot, error) {
	states := make(map[string]Snapshot)
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, err
	}
	return states, nil
}
