package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/trading/events"
	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	method string
	path   string
	params map[string]any
	auth   bool
}

type handler func(params map[string]any) (json.RawMessage, error)

// fakeExchange routes requests by path and records them.
type fakeExchange struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []call
}

func newFakeExchange() *fakeExchange {
	fx := &fakeExchange{handlers: make(map[string]handler)}
	fx.on(xt.PathMarketConfig, func(map[string]any) (json.RawMessage, error) {
		return json.RawMessage(testMarketConfigs), nil
	})
	return fx
}

func (fx *fakeExchange) on(path string, h handler) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.handlers[path] = h
}

func (fx *fakeExchange) reply(path, body string) {
	fx.on(path, func(map[string]any) (json.RawMessage, error) { return json.RawMessage(body), nil })
}

func (fx *fakeExchange) Request(ctx context.Context, method, path string, params map[string]any, authenticated bool) (json.RawMessage, error) {
	fx.mu.Lock()
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	fx.calls = append(fx.calls, call{method: method, path: path, params: cp, auth: authenticated})
	h, ok := fx.handlers[path]
	fx.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no handler for %s", path)
	}
	return h(params)
}

func (fx *fakeExchange) callsTo(path string) []call {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	var out []call
	for _, c := range fx.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

// recordingEmitter keeps every emitted event in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recordingEmitter) kinds() []events.Kind {
	var out []events.Kind
	for _, e := range r.all() {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recordingEmitter) ofKind(k events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.all() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

const testMarketConfigs = `{
	"btc_usdt": {"minAmount": 0.0001, "minMoney": 5, "pricePoint": 2, "coinPoint": 4, "maker": 0.001, "taker": 0.002},
	"eth_usdt": {"minAmount": 0.001, "minMoney": 5, "pricePoint": 2, "coinPoint": 3, "maker": 0.001, "taker": 0.002}
}`

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TradingPairs = []string{"BTC-USDT", "ETH-USDT"}
	cfg.ExchangeIDTimeout = 200 * time.Millisecond
	cfg.CancelPacing = 0
	cfg.CancelSettle = 0
	cfg.ErrorBackoff = 10 * time.Millisecond
	return cfg
}

func newTestConnector(t *testing.T, fx *fakeExchange) (*Connector, *recordingEmitter) {
	t.Helper()
	em := &recordingEmitter{}
	c := New(testConfig(), fx, em, zaptest.NewLogger(t))
	require.NoError(t, c.UpdateTradingRules(context.Background()))
	return c, em
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// openSnapshot builds a persisted OPEN order bound to exchangeID.
func openSnapshot(clientID, exchangeID, pair, amount string) order.Snapshot {
	return order.Snapshot{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		Side:            order.SideBuy,
		Type:            order.TypeLimit,
		Price:           dec("100"),
		Amount:          dec(amount),
		LastState:       order.StateOpen,
	}
}

// placeOrder creates an order through the controller with the exchange
// answering exchangeID.
func placeOrder(t *testing.T, c *Connector, fx *fakeExchange, exchangeID int, amount string) string {
	t.Helper()
	fx.reply(xt.PathCreateOrder, fmt.Sprintf(`{"code":200,"data":{"id":%d}}`, exchangeID))
	id := fmt.Sprintf("cid-%d", exchangeID)
	require.NoError(t, c.CreateOrder(context.Background(), id, order.SideBuy, "BTC-USDT", dec(amount), order.TypeLimit, dec("100")))
	return id
}
