package events

import (
	"time"

	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/shopspring/decimal"
)

// Kind is the closed set of business events emitted for an order.
type Kind string

const (
	KindOrderCreated   Kind = "ORDER_CREATED"
	KindOrderCancelled Kind = "ORDER_CANCELLED"
	KindOrderFilled    Kind = "ORDER_FILLED"
	KindOrderCompleted Kind = "ORDER_COMPLETED"
	KindOrderFailed    Kind = "ORDER_FAILED"
)

// AllKinds lists every event kind.
func AllKinds() []Kind {
	return []Kind{KindOrderCreated, KindOrderCancelled, KindOrderFilled, KindOrderCompleted, KindOrderFailed}
}

// Event is published for every order lifecycle change. Which of the optional
// fields are set depends on Kind:
//   - ORDER_CREATED: Price, Amount are the quantized order price and amount.
//   - ORDER_FILLED: Price, Amount, Fee, FeeAsset describe the fill; TradeID is
//     set when the exchange reported one.
//   - ORDER_COMPLETED: ExecutedBase, ExecutedQuote, FeePaid are the totals.
//   - ORDER_FAILED: Reason, when known.
type Event struct {
	Kind            Kind            `json:"kind"`
	Timestamp       time.Time       `json:"timestamp"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	Side            order.Side      `json:"side"`
	OrderType       order.Type      `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	TradeID         string          `json:"trade_id,omitempty"`
	BaseAsset       string          `json:"base_asset,omitempty"`
	QuoteAsset      string          `json:"quote_asset,omitempty"`
	ExecutedBase    decimal.Decimal `json:"executed_amount_base"`
	ExecutedQuote   decimal.Decimal `json:"executed_amount_quote"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
	Reason          string          `json:"reason,omitempty"`
}

// KindForTransition returns the event fired when an order moves from one
// state to another. Transitions that carry no business event return false.
func KindForTransition(from, to order.State) (Kind, bool) {
	switch to {
	case order.StateCancelled:
		return KindOrderCancelled, true
	case order.StateFailed:
		return KindOrderFailed, true
	case order.StateFilled:
		return KindOrderCompleted, true
	case order.StateOpen:
		if from == order.StatePendingCreate {
			return KindOrderCreated, true
		}
	}
	return "", false
}

func base(kind Kind, o *order.Order, ts time.Time) Event {
	return Event{
		Kind:            kind,
		Timestamp:       ts,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID(),
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		OrderType:       o.Type,
	}
}

// Created builds an ORDER_CREATED event.
func Created(o *order.Order, ts time.Time) Event {
	e := base(KindOrderCreated, o, ts)
	e.Price = o.Price
	e.Amount = o.Amount
	return e
}

// Filled builds an ORDER_FILLED event for a fill delta.
func Filled(o *order.Order, d order.FillDelta, ts time.Time) Event {
	e := base(KindOrderFilled, o, ts)
	e.Price = d.Price
	e.Amount = d.Amount
	e.Fee = d.Fee
	e.FeeAsset = d.FeeAsset
	e.TradeID = d.TradeID
	return e
}

// Completed builds an ORDER_COMPLETED event carrying the order totals.
func Completed(o *order.Order, ts time.Time) Event {
	e := base(KindOrderCompleted, o, ts)
	e.BaseAsset = o.BaseAsset()
	e.QuoteAsset = o.QuoteAsset()
	e.FeeAsset = o.FeeAsset
	e.ExecutedBase = o.ExecutedBase
	e.ExecutedQuote = o.ExecutedQuote
	e.FeePaid = o.FeePaid
	return e
}

// Cancelled builds an ORDER_CANCELLED event.
func Cancelled(o *order.Order, ts time.Time) Event {
	return base(KindOrderCancelled, o, ts)
}

// Failed builds an ORDER_FAILED event.
func Failed(o *order.Order, reason string, ts time.Time) Event {
	e := base(KindOrderFailed, o, ts)
	e.Reason = reason
	return e
}
