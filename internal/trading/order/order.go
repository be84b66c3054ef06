// Package order holds the in-flight order model, its fill accounting and the
// registry of orders the connector is tracking.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/shopspring/decimal"
)

// CompletionTolerance is the relative tolerance used when comparing the
// executed amount against the requested amount: an order counts as fully
// executed once amount-executed <= amount*CompletionTolerance.
var CompletionTolerance = decimal.New(1, -9)

// StatusUpdate is a cumulative view of an order as reported by the order
// status endpoint (or the user stream).
type StatusUpdate struct {
	ExchangeOrderID string
	State           State
	ExecutedBase    decimal.Decimal
	ExecutedQuote   decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
}

// Trade is a single execution reported by the trade status endpoint.
type Trade struct {
	TradeID         string
	ExchangeOrderID string
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	Timestamp       time.Time
}

// FillDelta is the newly executed portion produced by applying an update.
// A zero Amount means the update carried nothing new.
type FillDelta struct {
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	TradeID  string
}

// IsZero reports whether the delta carries no execution.
func (d FillDelta) IsZero() bool { return !d.Amount.IsPositive() }

// Order is a locally tracked order. Accounting fields are mutated only by the
// connector while it holds its processing lock; the exchange id is safe for
// concurrent use.
type Order struct {
	ClientOrderID string
	TradingPair   string
	Side          Side
	Type          Type
	Price         decimal.Decimal
	Amount        decimal.Decimal
	CreatedAt     time.Time

	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	FeePaid       decimal.Decimal
	FeeAsset      string
	LastState     State

	// statusExecuted is the highest cumulative amount seen on the status path,
	// tradeExecuted the sum over applied trade ids. ExecutedBase is their max.
	statusExecuted decimal.Decimal
	tradeExecuted  decimal.Decimal
	tradeIDs       map[string]struct{}

	idMu            sync.RWMutex
	exchangeOrderID string
	idReady         chan struct{}
	idOnce          sync.Once
}

// New creates an order in PENDING_CREATE.
func New(clientOrderID, tradingPair string, side Side, typ Type, price, amount decimal.Decimal, createdAt time.Time) *Order {
	return &Order{
		ClientOrderID: clientOrderID,
		TradingPair:   tradingPair,
		Side:          side,
		Type:          typ,
		Price:         price,
		Amount:        amount,
		CreatedAt:     createdAt,
		LastState:     StatePendingCreate,
		tradeIDs:      make(map[string]struct{}),
		idReady:       make(chan struct{}),
	}
}

// ExchangeOrderID returns the exchange-assigned id, or "" while pending.
func (o *Order) ExchangeOrderID() string {
	o.idMu.RLock()
	defer o.idMu.RUnlock()
	return o.exchangeOrderID
}

// BindExchangeOrderID assigns the exchange id. The id can be bound once;
// binding the same id again is a no-op, a different id is an error. A
// PENDING_CREATE order moves to OPEN.
func (o *Order) BindExchangeOrderID(id string) error {
	if id == "" {
		return fmt.Errorf("order %s: empty exchange order id", o.ClientOrderID)
	}
	o.idMu.Lock()
	defer o.idMu.Unlock()
	if o.exchangeOrderID != "" {
		if o.exchangeOrderID == id {
			return nil
		}
		return fmt.Errorf("order %s: exchange order id already bound to %s, got %s", o.ClientOrderID, o.exchangeOrderID, id)
	}
	o.exchangeOrderID = id
	if o.LastState == StatePendingCreate {
		o.LastState = StateOpen
	}
	o.idOnce.Do(func() { close(o.idReady) })
	return nil
}

// Abandon releases anyone waiting for the exchange id of an order whose
// creation failed.
func (o *Order) Abandon() {
	o.idOnce.Do(func() { close(o.idReady) })
}

// WaitExchangeOrderID blocks until the exchange id is bound, the order is
// abandoned, timeout elapses or ctx is done.
func (o *Order) WaitExchangeOrderID(ctx context.Context, timeout time.Duration) (string, error) {
	if id := o.ExchangeOrderID(); id != "" {
		return id, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-o.idReady:
		if id := o.ExchangeOrderID(); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("order %s abandoned before acknowledgement: %w", o.ClientOrderID, xerrors.ErrOrderNotFound)
	case <-timer.C:
		return "", fmt.Errorf("order %s after %s: %w", o.ClientOrderID, timeout, xerrors.ErrExchangeIDPending)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IsDone reports whether the order reached a terminal state.
func (o *Order) IsDone() bool { return o.LastState.IsTerminal() }

// IsFilled reports whether the order is in FILLED.
func (o *Order) IsFilled() bool { return o.LastState == StateFilled }

// IsCancelled reports whether the order is in CANCELLED.
func (o *Order) IsCancelled() bool { return o.LastState == StateCancelled }

// IsFailure reports whether the order is in FAILED.
func (o *Order) IsFailure() bool { return o.LastState == StateFailed }

// AmountReached reports whether the executed amount meets the requested
// amount within CompletionTolerance.
func (o *Order) AmountReached() bool {
	if o.ExecutedBase.GreaterThanOrEqual(o.Amount) {
		return true
	}
	remaining := o.Amount.Sub(o.ExecutedBase)
	return remaining.LessThanOrEqual(o.Amount.Mul(CompletionTolerance))
}

// Transition moves the order to the given state. It reports whether the
// state changed; staying in the current state is not an error.
func (o *Order) Transition(to State) (bool, error) {
	if to == o.LastState {
		return false, nil
	}
	if !CanTransition(o.LastState, to) {
		return false, &InvalidTransitionError{ClientOrderID: o.ClientOrderID, From: o.LastState, To: to}
	}
	o.LastState = to
	return true, nil
}

// ApplyOrderStatus folds a cumulative status report into the order and returns
// the part of it not already accounted for.
func (o *Order) ApplyOrderStatus(u StatusUpdate) FillDelta {
	if u.ExecutedBase.GreaterThan(o.statusExecuted) {
		o.statusExecuted = u.ExecutedBase
	}
	delta := u.ExecutedBase.Sub(o.ExecutedBase)
	if !delta.IsPositive() {
		return FillDelta{}
	}

	quoteDelta := u.ExecutedQuote.Sub(o.ExecutedQuote)
	if quoteDelta.IsNegative() {
		quoteDelta = decimal.Zero
	}
	feeDelta := u.Fee.Sub(o.FeePaid)
	if feeDelta.IsNegative() {
		feeDelta = decimal.Zero
	}

	price := o.Price
	switch {
	case quoteDelta.IsPositive():
		price = quoteDelta.Div(delta)
	case u.AvgPrice.IsPositive():
		price = u.AvgPrice
		quoteDelta = price.Mul(delta)
	default:
		quoteDelta = price.Mul(delta)
	}

	o.ExecutedBase = u.ExecutedBase
	o.ExecutedQuote = o.ExecutedQuote.Add(quoteDelta)
	o.FeePaid = o.FeePaid.Add(feeDelta)
	if u.FeeAsset != "" {
		o.FeeAsset = u.FeeAsset
	}
	return FillDelta{Amount: delta, Price: price, Fee: feeDelta, FeeAsset: o.FeeAsset}
}

// ApplyTrade records a discrete trade. A trade id is applied at most once;
// the part of the trade already covered by the status path produces no delta.
func (o *Order) ApplyTrade(t Trade) FillDelta {
	if t.TradeID == "" || !t.Amount.IsPositive() {
		return FillDelta{}
	}
	if _, seen := o.tradeIDs[t.TradeID]; seen {
		return FillDelta{}
	}
	o.tradeIDs[t.TradeID] = struct{}{}
	o.tradeExecuted = o.tradeExecuted.Add(t.Amount)

	delta := o.tradeExecuted.Sub(o.ExecutedBase)
	if !delta.IsPositive() {
		return FillDelta{}
	}
	if delta.GreaterThan(t.Amount) {
		delta = t.Amount
	}

	fee := t.Fee
	if delta.LessThan(t.Amount) {
		fee = t.Fee.Mul(delta).Div(t.Amount)
	}

	o.ExecutedBase = o.ExecutedBase.Add(delta)
	o.ExecutedQuote = o.ExecutedQuote.Add(t.Price.Mul(delta))
	o.FeePaid = o.FeePaid.Add(fee)
	if t.FeeAsset != "" {
		o.FeeAsset = t.FeeAsset
	}
	return FillDelta{Amount: delta, Price: t.Price, Fee: fee, FeeAsset: o.FeeAsset, TradeID: t.TradeID}
}

// HasTrade reports whether the trade id was already applied.
func (o *Order) HasTrade(tradeID string) bool {
	_, ok := o.tradeIDs[tradeID]
	return ok
}

// BaseAsset returns the base asset of the trading pair ("BTC" for "BTC-USDT").
func (o *Order) BaseAsset() string {
	base, _ := SplitPair(o.TradingPair)
	return base
}

// QuoteAsset returns the quote asset of the trading pair.
func (o *Order) QuoteAsset() string {
	_, quote := SplitPair(o.TradingPair)
	return quote
}

// SplitPair splits "BASE-QUOTE".
func SplitPair(pair string) (string, string) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}
