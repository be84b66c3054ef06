package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/trading/events"
	"github.com/Aidin1998/xtconnector/internal/trading/order"
	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/Aidin1998/xtconnector/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newClientOrderID(side order.Side, pair string) string {
	prefix := "B"
	if side == order.SideSell {
		prefix = "S"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, pair, uuid.NewString())
}

// Buy places a buy order asynchronously and returns its client order id.
func (c *Connector) Buy(pair string, amount decimal.Decimal, typ order.Type, price decimal.Decimal) string {
	return c.Submit(order.SideBuy, pair, amount, typ, price)
}

// Sell places a sell order asynchronously and returns its client order id.
func (c *Connector) Sell(pair string, amount decimal.Decimal, typ order.Type, price decimal.Decimal) string {
	return c.Submit(order.SideSell, pair, amount, typ, price)
}

// Submit returns a fresh client order id at once and places the order in the
// background. The outcome is reported through ORDER_CREATED or ORDER_FAILED.
func (c *Connector) Submit(side order.Side, pair string, amount decimal.Decimal, typ order.Type, price decimal.Decimal) string {
	id := newClientOrderID(side, pair)
	ctx := c.runContext()
	c.goLoop(func() {
		_ = c.CreateOrder(ctx, id, side, pair, amount, typ, price)
	})
	return id
}

// CreateOrder validates, registers and places one order. On any failure the
// order is no longer tracked and ORDER_FAILED has been emitted.
func (c *Connector) CreateOrder(ctx context.Context, clientOrderID string, side order.Side, pair string, amount decimal.Decimal, typ order.Type, price decimal.Decimal) error {
	o := order.New(clientOrderID, pair, side, typ, price, amount, c.now())

	if !typ.IsLimitType() {
		err := xerrors.NewValidationError("order_type", fmt.Sprintf("%s is not a limit order type", typ), xerrors.ErrUnsupportedOrderType)
		c.reject(ctx, o, err)
		return err
	}
	rule, ok := c.rules.Get(pair)
	if !ok {
		err := xerrors.NewValidationError("trading_pair", "no trading rule for "+pair, xerrors.ErrUnknownTradingPair)
		c.reject(ctx, o, err)
		return err
	}
	qAmount, err := c.rules.QuantizeAmount(pair, amount)
	if err != nil {
		c.reject(ctx, o, err)
		return err
	}
	qPrice, err := c.rules.QuantizePrice(pair, price)
	if err != nil {
		c.reject(ctx, o, err)
		return err
	}
	o.Amount, o.Price = qAmount, qPrice
	if qAmount.LessThan(rule.MinOrderSize) {
		err := xerrors.NewValidationError("amount",
			fmt.Sprintf("%s order amount %s is lower than the minimum order size %s", side, qAmount, rule.MinOrderSize), nil)
		c.reject(ctx, o, err)
		return err
	}

	c.track(o)
	metrics.OrdersSubmitted.WithLabelValues(strings.ToLower(string(side))).Inc()

	xtSide := xt.SideSell
	if side == order.SideBuy {
		xtSide = xt.SideBuy
	}
	params := map[string]any{
		"market":      xt.ToExchangePair(pair),
		"price":       qPrice.String(),
		"number":      qAmount.String(),
		"type":        xtSide,
		"entrustType": xt.EntrustTypeLimit,
	}
	raw, err := c.requester.Request(ctx, http.MethodPost, xt.PathCreateOrder, params, true)
	if err != nil {
		c.fail(ctx, o, err)
		return err
	}
	var resp createOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Data == nil || resp.Data.ID == "" {
		err = &xerrors.TransportError{Method: http.MethodPost, Path: xt.PathCreateOrder, Err: fmt.Errorf("create order response without id: %s", string(raw))}
		c.fail(ctx, o, err)
		return err
	}

	exchangeID := string(resp.Data.ID)

	c.procMu.Lock()
	if cur, tracked := c.registry.Get(clientOrderID); !tracked || cur != o || o.IsDone() {
		c.procMu.Unlock()
		c.logger.Warn("Order acknowledged after tracking stopped, cancelling it",
			zap.String("client_order_id", clientOrderID),
			zap.String("exchange_order_id", exchangeID),
			zap.String("state", string(o.LastState)),
		)
		if cerr := c.cancelByExchangeID(ctx, pair, exchangeID); cerr != nil {
			c.logger.Error("Failed to cancel untracked order",
				zap.String("client_order_id", clientOrderID),
				zap.String("exchange_order_id", exchangeID),
				zap.Error(cerr),
			)
		}
		return fmt.Errorf("create %s: acknowledged as %s after tracking stopped: %w", clientOrderID, exchangeID, xerrors.ErrOrderNotFound)
	}
	defer c.procMu.Unlock()
	if err := o.BindExchangeOrderID(exchangeID); err != nil {
		c.failLocked(ctx, o, err)
		return err
	}
	c.logger.Info("Created order",
		zap.String("client_order_id", clientOrderID),
		zap.String("exchange_order_id", exchangeID),
		zap.String("side", string(side)),
		zap.String("type", string(typ)),
		zap.String("amount", qAmount.String()),
		zap.String("price", qPrice.String()),
		zap.String("trading_pair", pair),
	)
	c.emitter.Emit(ctx, events.Created(o, c.now()))
	return nil
}

// reject reports a submission refused before anything was tracked or sent.
func (c *Connector) reject(ctx context.Context, o *order.Order, err error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.logger.Warn("Rejected order",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("trading_pair", o.TradingPair),
		zap.Error(err),
	)
	o.Abandon()
	c.emitter.Emit(ctx, events.Failed(o, err.Error(), c.now()))
}

// fail rolls back a tracked order whose placement failed.
func (c *Connector) fail(ctx context.Context, o *order.Order, err error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.failLocked(ctx, o, err)
}

// failLocked is fail for callers already holding procMu.
func (c *Connector) failLocked(ctx context.Context, o *order.Order, err error) {
	c.logger.Warn("Error submitting order",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("trading_pair", o.TradingPair),
		zap.String("amount", o.Amount.String()),
		zap.String("price", o.Price.String()),
		zap.Error(err),
	)
	c.untrack(o.ClientOrderID)
	o.Abandon()
	if _, terr := o.Transition(order.StateFailed); terr != nil {
		c.logger.Debug("Order already terminal", zap.Error(terr))
	}
	c.emitter.Emit(ctx, events.Failed(o, err.Error(), c.now()))
}

// Cancel requests cancellation in the background and returns clientOrderID.
// The outcome arrives through reconciliation.
func (c *Connector) Cancel(pair, clientOrderID string) string {
	ctx := c.runContext()
	c.goLoop(func() {
		_ = c.ExecuteCancel(ctx, pair, clientOrderID)
	})
	return clientOrderID
}

// ExecuteCancel sends one cancel request. An accepted request only means the
// exchange received it; the order stays tracked until reconciliation sees its
// final state. Failures are logged and returned.
func (c *Connector) ExecuteCancel(ctx context.Context, pair, clientOrderID string) error {
	o, ok := c.registry.Get(clientOrderID)
	if !ok {
		err := fmt.Errorf("cancel %s: %w", clientOrderID, xerrors.ErrOrderNotFound)
		c.logger.Warn("Failed to cancel order", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return err
	}
	exchangeID, err := o.WaitExchangeOrderID(ctx, c.cfg.ExchangeIDTimeout)
	if err != nil {
		c.logger.Warn("Failed to cancel order", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return err
	}
	if err := c.cancelByExchangeID(ctx, pair, exchangeID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Failed to cancel order",
			zap.String("client_order_id", clientOrderID),
			zap.String("exchange_order_id", exchangeID),
			zap.String("kind", string(xerrors.Kind(err))),
			zap.Error(err),
		)
		return err
	}
	c.logger.Debug("Cancel accepted", zap.String("client_order_id", clientOrderID))
	return nil
}

// cancelByExchangeID sends the cancel request for exchangeID on pair.
func (c *Connector) cancelByExchangeID(ctx context.Context, pair, exchangeID string) error {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("exchange order id %q: %w", exchangeID, err)
	}
	params := map[string]any{
		"market": xt.ToExchangePair(pair),
		"id":     id,
	}
	_, err = c.requester.Request(ctx, http.MethodPost, xt.PathCancelOrder, params, true)
	return err
}

// CancellationResult reports whether the cancellation of one order was
// confirmed.
type CancellationResult struct {
	ClientOrderID string `json:"client_order_id"`
	Success       bool   `json:"success"`
}

// CancelAll cancels every tracked order, waits for the exchange to settle and
// checks which orders are gone from the open order list. A false result
// means the cancellation is unconfirmed, not that it failed. Orders the
// exchange has not acknowledged yet cannot be matched against the open order
// list; they stay tracked and are reported unconfirmed.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) ([]CancellationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap := c.registry.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]CancellationResult, len(ids))
	for i, id := range ids {
		results[i] = CancellationResult{ClientOrderID: id}
	}

	unacked := make(map[string]struct{})
	for _, id := range ids {
		if err := c.ExecuteCancel(ctx, snap[id].TradingPair, id); errors.Is(err, xerrors.ErrExchangeIDPending) {
			unacked[id] = struct{}{}
		}
		if err := sleepCtx(ctx, c.cfg.CancelPacing); err != nil {
			break
		}
	}
	_ = sleepCtx(ctx, c.cfg.CancelSettle)

	open, err := c.GetOpenOrders(ctx)
	if err != nil {
		c.logger.Warn("Failed to cancel all orders", zap.Error(err))
		return results, err
	}
	stillOpen := make(map[string]struct{}, len(open))
	for _, oo := range open {
		stillOpen[oo.ClientOrderID] = struct{}{}
	}

	c.procMu.Lock()
	defer c.procMu.Unlock()
	for i, id := range ids {
		if _, ok := stillOpen[id]; ok {
			continue
		}
		if _, ok := unacked[id]; ok {
			continue
		}
		o, tracked := c.registry.Get(id)
		if tracked && o == snap[id] && o.ExchangeOrderID() == "" {
			continue
		}
		results[i].Success = true
		if !tracked || o != snap[id] {
			continue
		}
		c.finish(ctx, o, order.StateCancelled, "cancel all")
	}
	return results, nil
}

// OpenOrder is an order the exchange still reports as open.
type OpenOrder struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TradingPair     string          `json:"trading_pair"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedAmount  decimal.Decimal `json:"executed_amount"`
	Status          string          `json:"status"`
	OrderType       order.Type      `json:"order_type"`
	IsBuy           bool            `json:"is_buy"`
	Time            int64           `json:"time"`
}

// GetOpenOrders pages through the open orders of every relevant pair and
// returns those that belong to tracked orders.
func (c *Connector) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	snap := c.registry.Snapshot()
	var out []OpenOrder
	for _, pair := range c.trackedPairs(snap) {
		for page := 1; ; page++ {
			params := map[string]any{
				"market":   xt.ToExchangePair(pair),
				"page":     page,
				"pageSize": c.cfg.OpenOrdersPageSize,
			}
			raw, err := c.requester.Request(ctx, http.MethodGet, xt.PathOpenOrders, params, true)
			if err != nil {
				return nil, fmt.Errorf("open orders %s page %d: %w", pair, page, err)
			}
			msgs, _, err := listEnvelope[openOrderMsg](raw)
			if err != nil {
				return nil, &xerrors.TransportError{Method: http.MethodGet, Path: xt.PathOpenOrders, Err: err}
			}
			for _, m := range msgs {
				o, ok := c.registry.FindByExchangeID(string(m.ID))
				if !ok {
					continue
				}
				if int(m.EntrustType) != xt.EntrustTypeLimit {
					return nil, xerrors.NewValidationError("entrustType",
						fmt.Sprintf("unsupported entrust type %d, only limit orders are supported", int(m.EntrustType)),
						xerrors.ErrUnsupportedOrderType)
				}
				out = append(out, OpenOrder{
					ClientOrderID:   o.ClientOrderID,
					ExchangeOrderID: string(m.ID),
					TradingPair:     o.TradingPair,
					Price:           m.Price,
					Amount:          m.Number,
					ExecutedAmount:  m.CompleteNumber,
					Status:          "ACTIVE",
					OrderType:       order.TypeLimit,
					IsBuy:           int(m.Type) == xt.SideBuy,
					Time:            m.Time,
				})
			}
			if len(msgs) < c.cfg.OpenOrdersPageSize {
				break
			}
		}
	}
	return out, nil
}
