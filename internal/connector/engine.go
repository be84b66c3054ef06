package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/trading/events"
	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/Aidin1998/xtconnector/internal/trading/rules"
	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/Aidin1998/xtconnector/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (c *Connector) tradingRulesLoop(ctx context.Context) {
	for {
		wait := c.cfg.TradingRulesInterval
		if err := c.UpdateTradingRules(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.LoopFailures.WithLabelValues("trading_rules").Inc()
			c.logger.Warn("Could not fetch new trading rules, retrying", zap.Duration("backoff", c.cfg.ErrorBackoff), zap.Error(err))
			wait = c.cfg.ErrorBackoff
		}
		if sleepCtx(ctx, wait) != nil {
			return
		}
	}
}

func (c *Connector) statusLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notifier:
		}

		start := time.Now()
		err := c.UpdateStatus(ctx)
		metrics.StatusPollDuration.Observe(time.Since(start).Seconds())
		// ticks raised while polling are folded into the poll that just ran
		select {
		case <-c.notifier:
		default:
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.LoopFailures.WithLabelValues("status").Inc()
			c.logger.Warn("Could not fetch account updates, retrying", zap.Duration("backoff", c.cfg.ErrorBackoff), zap.Error(err))
			if sleepCtx(ctx, c.cfg.ErrorBackoff) != nil {
				return
			}
		}
	}
}

// UpdateTradingRules fetches the market configs and replaces the rule table.
// On failure the previous table is kept.
func (c *Connector) UpdateTradingRules(ctx context.Context) error {
	raw, err := c.requester.Request(ctx, http.MethodGet, xt.PathMarketConfig, nil, false)
	if err != nil {
		return fmt.Errorf("fetch trading rules: %w", err)
	}
	parsed, err := rules.ParseMarketConfigs(raw, xt.FromExchangePair, c.logger)
	if err != nil {
		return &xerrors.TransportError{Method: http.MethodGet, Path: xt.PathMarketConfig, Err: err}
	}
	c.rules.Replace(parsed)
	c.logger.Debug("Trading rules updated", zap.Int("pairs", len(parsed)))
	return nil
}

// UpdateStatus refreshes balances, trade status and order status
// concurrently. Every subtask runs to completion; their errors are joined.
func (c *Connector) UpdateStatus(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	run("balances", c.updateBalances)
	run("trade status", c.updateTradeStatus)
	run("order status", c.updateOrderStatus)
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return xerrors.Join(errs...)
}

func (c *Connector) updateBalances(ctx context.Context) error {
	raw, err := c.requester.Request(ctx, http.MethodGet, xt.PathBalance, nil, true)
	if err != nil {
		return err
	}
	var resp struct {
		Data map[string]balanceMsg `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &xerrors.TransportError{Method: http.MethodGet, Path: xt.PathBalance, Err: err}
	}

	total := make(map[string]decimal.Decimal, len(resp.Data))
	available := make(map[string]decimal.Decimal, len(resp.Data))
	for asset, acct := range resp.Data {
		name := strings.ToUpper(asset)
		available[name] = acct.Available.Sub(acct.Freeze)
		total[name] = acct.Available
	}

	c.balMu.Lock()
	c.balances = total
	c.available = available
	c.balMu.Unlock()
	return nil
}

// waitForExchangeIDs gives orders still waiting on their exchange id a
// shared, bounded grace period. Orders that stay pending are left for the
// next poll.
func (c *Connector) waitForExchangeIDs(ctx context.Context, snap map[string]*order.Order) error {
	deadline := time.Now().Add(c.cfg.ExchangeIDTimeout)
	for id, o := range snap {
		if o.ExchangeOrderID() != "" {
			continue
		}
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		if _, err := o.WaitExchangeOrderID(ctx, remaining); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("Order not yet acknowledged, skipping this poll", zap.String("client_order_id", id), zap.Error(err))
		}
	}
	return nil
}

type statusBatch struct {
	pair   string
	orders []*order.Order
	ids    []int64
}

func (c *Connector) buildStatusBatches(snap map[string]*order.Order) []statusBatch {
	byPair := make(map[string][]*order.Order)
	for _, o := range snap {
		if o.ExchangeOrderID() == "" {
			continue
		}
		byPair[o.TradingPair] = append(byPair[o.TradingPair], o)
	}
	pairs := make([]string, 0, len(byPair))
	for p := range byPair {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	var batches []statusBatch
	for _, pair := range pairs {
		orders := byPair[pair]
		sort.Slice(orders, func(i, j int) bool { return orders[i].ClientOrderID < orders[j].ClientOrderID })
		var cur statusBatch
		for _, o := range orders {
			id, err := strconv.ParseInt(o.ExchangeOrderID(), 10, 64)
			if err != nil {
				c.logger.Warn("Exchange order id is not numeric",
					zap.String("client_order_id", o.ClientOrderID),
					zap.String("exchange_order_id", o.ExchangeOrderID()),
				)
				continue
			}
			if len(cur.ids) == c.cfg.OrderBatchSize {
				batches = append(batches, cur)
				cur = statusBatch{}
			}
			cur.pair = pair
			cur.orders = append(cur.orders, o)
			cur.ids = append(cur.ids, id)
		}
		if len(cur.ids) > 0 {
			batches = append(batches, cur)
		}
	}
	return batches
}

// encodeOrderIDs renders ids as base64 of their JSON array.
func encodeOrderIDs(ids []int64) (string, error) {
	data, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Connector) updateOrderStatus(ctx context.Context) error {
	snap := c.registry.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	if err := c.waitForExchangeIDs(ctx, snap); err != nil {
		return err
	}

	batches := c.buildStatusBatches(snap)
	responses := make([]json.RawMessage, len(batches))
	errs := make([]error, len(batches))
	var g errgroup.Group
	for i, b := range batches {
		g.Go(func() error {
			data, err := encodeOrderIDs(b.ids)
			if err != nil {
				errs[i] = err
				return nil
			}
			params := map[string]any{
				"market": xt.ToExchangePair(b.pair),
				"data":   data,
			}
			responses[i], errs[i] = c.requester.Request(ctx, http.MethodGet, xt.PathBatchOrders, params, true)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Debug("Polled order status", zap.Int("orders", len(snap)), zap.Int("batches", len(batches)))

	var failed []error
	for i, raw := range responses {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("batch %s #%d: %w", batches[i].pair, i, errs[i]))
			continue
		}
		msgs, ok, err := listEnvelope[orderStatusMsg](raw)
		if err != nil {
			failed = append(failed, &xerrors.TransportError{Method: http.MethodGet, Path: xt.PathBatchOrders, Err: err})
			continue
		}
		if !ok {
			c.logger.Info("Order status response without data", zap.String("trading_pair", batches[i].pair))
			continue
		}
		for _, msg := range msgs {
			c.processOrderMessage(ctx, msg)
		}
	}
	return xerrors.Join(failed...)
}

func (c *Connector) updateTradeStatus(ctx context.Context) error {
	snap := c.registry.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var pairs []string
	for _, o := range snap {
		if _, ok := seen[o.TradingPair]; !ok {
			seen[o.TradingPair] = struct{}{}
			pairs = append(pairs, o.TradingPair)
		}
	}
	sort.Strings(pairs)

	end := c.now()
	start := end.Add(-c.cfg.TradeLookback)
	responses := make([]json.RawMessage, len(pairs))
	errs := make([]error, len(pairs))
	var g errgroup.Group
	for i, pair := range pairs {
		g.Go(func() error {
			params := map[string]any{
				"market":    xt.ToExchangePair(pair),
				"startTime": start.UnixMilli(),
				"endTime":   end.UnixMilli(),
			}
			responses[i], errs[i] = c.requester.Request(ctx, http.MethodGet, xt.PathMyTrades, params, true)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, raw := range responses {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("trades %s: %w", pairs[i], errs[i]))
			continue
		}
		trades, ok, err := listEnvelope[tradeMsg](raw)
		if err != nil {
			failed = append(failed, &xerrors.TransportError{Method: http.MethodGet, Path: xt.PathMyTrades, Err: err})
			continue
		}
		if !ok {
			c.logger.Info("Trade status response without data", zap.String("trading_pair", pairs[i]))
			continue
		}
		for _, t := range trades {
			c.processTrade(ctx, t)
		}
	}
	return xerrors.Join(failed...)
}

func (c *Connector) anomaly(kind, id string) {
	metrics.ReconciliationAnomalies.Inc()
	c.logger.Debug("Ignoring remote record", zap.Error(&xerrors.AnomalyError{Kind: kind, ID: id}))
}

// processOrderMessage applies one cumulative order status record.
func (c *Connector) processOrderMessage(ctx context.Context, msg orderStatusMsg) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	o, ok := c.registry.FindByExchangeID(string(msg.ID))
	if !ok {
		c.anomaly("order", string(msg.ID))
		return
	}
	if msg.Status == nil {
		c.logger.Warn("Order status record without status", zap.String("client_order_id", o.ClientOrderID))
		return
	}
	state, known := order.StateFromStatusCode(int(*msg.Status))
	if !known {
		metrics.ReconciliationAnomalies.Inc()
		c.logger.Warn("Unknown order status code",
			zap.String("client_order_id", o.ClientOrderID),
			zap.Int("status", int(*msg.Status)),
		)
		return
	}

	delta := o.ApplyOrderStatus(order.StatusUpdate{
		ExchangeOrderID: string(msg.ID),
		State:           state,
		ExecutedBase:    msg.CompleteNumber,
		ExecutedQuote:   msg.CompleteMoney,
		AvgPrice:        msg.AvgPrice,
		Fee:             msg.Fee,
		FeeAsset:        msg.FeeCoin,
	})
	if !delta.IsZero() {
		c.emitter.Emit(ctx, events.Filled(o, delta, c.now()))
	}

	switch {
	case state == order.StateCancelled:
		c.finish(ctx, o, order.StateCancelled, "order status")
	case state == order.StateFailed:
		c.finish(ctx, o, order.StateFailed, "order status")
	case state == order.StateFilled || o.AmountReached():
		c.finish(ctx, o, order.StateFilled, "order status")
	default:
		if state == order.StateOpen && o.ExecutedBase.IsPositive() {
			state = order.StatePartiallyFilled
		}
		if _, err := o.Transition(state); err != nil {
			c.logger.Warn("Rejected state change", zap.Error(err))
		}
	}
}

// processTrade applies one trade record.
func (c *Connector) processTrade(ctx context.Context, msg tradeMsg) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	o, ok := c.registry.FindByExchangeID(string(msg.OrderID))
	if !ok {
		c.anomaly("trade", string(msg.ID))
		return
	}
	ts := c.now()
	if msg.Time > 0 {
		ts = time.UnixMilli(msg.Time)
	}
	delta := o.ApplyTrade(order.Trade{
		TradeID:         string(msg.ID),
		ExchangeOrderID: string(msg.OrderID),
		Price:           msg.Price,
		Amount:          msg.Number,
		Fee:             msg.Fee,
		FeeAsset:        msg.FeeCoin,
		Timestamp:       ts,
	})
	if delta.IsZero() {
		return
	}
	c.emitter.Emit(ctx, events.Filled(o, delta, c.now()))

	if o.AmountReached() {
		c.finish(ctx, o, order.StateFilled, "trade status")
		return
	}
	if o.LastState == order.StateOpen {
		if _, err := o.Transition(order.StatePartiallyFilled); err != nil {
			c.logger.Warn("Rejected state change", zap.Error(err))
		}
	}
}

// finish moves o to a terminal state, emits the matching event and stops
// tracking it. Callers hold procMu.
func (c *Connector) finish(ctx context.Context, o *order.Order, to order.State, source string) {
	from := o.LastState
	changed, err := o.Transition(to)
	if err != nil {
		c.logger.Warn("Rejected terminal state change", zap.Error(err))
		return
	}
	if changed {
		if kind, ok := events.KindForTransition(from, to); ok {
			var ev events.Event
			switch kind {
			case events.KindOrderCompleted:
				ev = events.Completed(o, c.now())
			case events.KindOrderCancelled:
				ev = events.Cancelled(o, c.now())
			default:
				ev = events.Failed(o, "reported by "+source, c.now())
			}
			c.emitter.Emit(ctx, ev)
		}
		c.logger.Info("Order finished",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("state", string(to)),
			zap.String("source", source),
			zap.String("executed_amount_base", o.ExecutedBase.String()),
		)
	}
	c.untrack(o.ClientOrderID)
}

// ProcessUserStreamMessage applies a pushed message. Messages carry an
// "event" of "order" or "trade" and a "data" list in the same record format
// as the REST endpoints.
func (c *Connector) ProcessUserStreamMessage(ctx context.Context, raw json.RawMessage) error {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode user stream message: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	switch env.Event {
	case "trade":
		var trades []tradeMsg
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return fmt.Errorf("decode pushed trades: %w", err)
		}
		for _, t := range trades {
			c.processTrade(ctx, t)
		}
	case "order":
		var msgs []orderStatusMsg
		if err := json.Unmarshal(env.Data, &msgs); err != nil {
			return fmt.Errorf("decode pushed orders: %w", err)
		}
		for _, m := range msgs {
			c.processOrderMessage(ctx, m)
		}
	default:
		c.logger.Debug("Ignoring user stream message", zap.String("event", env.Event))
	}
	return nil
}
