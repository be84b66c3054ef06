package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/trading/events"
	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func quietAccount(fx *fakeExchange) {
	fx.reply(xt.PathBalance, `{"code":200,"data":{}}`)
	fx.reply(xt.PathMyTrades, `{"code":200,"data":[]}`)
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[]}`)
}

func filledTotal(em *recordingEmitter) decimal.Decimal {
	total := decimal.Zero
	for _, e := range em.ofKind(events.KindOrderFilled) {
		total = total.Add(e.Amount)
	}
	return total
}

func TestStatusAndTradeForSameFillEmitOnce(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	quietAccount(fx)
	id := placeOrder(t, c, fx, 101, "3")

	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":101,"status":3,"completeNumber":"3","completeMoney":"300","fee":"0.003","feeCoin":"btc"}]}`)
	fx.reply(xt.PathMyTrades, `{"code":200,"data":[{"id":"t1","orderId":"101","price":"100","number":"3","fee":"0.003","feeCoin":"btc","time":1700000000000}]}`)

	require.NoError(t, c.UpdateStatus(context.Background()))

	assert.True(t, filledTotal(em).Equal(dec("3")), "filled %s", filledTotal(em))
	assert.Len(t, em.ofKind(events.KindOrderFilled), 1)
	completed := em.ofKind(events.KindOrderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ClientOrderID)
	assert.True(t, completed[0].ExecutedBase.Equal(dec("3")))
	assert.True(t, completed[0].ExecutedQuote.Equal(dec("300")))
	assert.Equal(t, "BTC", completed[0].BaseAsset)
	assert.Equal(t, "USDT", completed[0].QuoteAsset)

	kinds := em.kinds()
	assert.Equal(t, events.KindOrderCompleted, kinds[len(kinds)-1])
	assert.Empty(t, c.InFlightOrders())

	// another poll finds nothing to do
	require.NoError(t, c.UpdateStatus(context.Background()))
	assert.Len(t, em.all(), len(kinds))
}

func TestPartialStatusThenTrades(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 7, "3")
	ctx := context.Background()

	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":"7","status":2,"completeNumber":"1","completeMoney":"100"}]}`)
	require.NoError(t, c.updateOrderStatus(ctx))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)
	assert.Equal(t, order.StatePartiallyFilled, c.InFlightOrders()["cid-7"].LastState)

	// trade t1 is the fill the status already reported
	fx.reply(xt.PathMyTrades, `{"code":200,"data":[{"id":"t1","orderId":7,"price":"100","number":"1","fee":"0.1","feeCoin":"usdt","time":1}]}`)
	require.NoError(t, c.updateTradeStatus(ctx))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)

	fx.reply(xt.PathMyTrades, `{"code":200,"data":[
		{"id":"t1","orderId":7,"price":"100","number":"1","fee":"0.1","feeCoin":"usdt","time":1},
		{"id":"t2","orderId":7,"price":"101","number":"2","fee":"0.2","feeCoin":"usdt","time":2}]}`)
	require.NoError(t, c.updateTradeStatus(ctx))

	fills := em.ofKind(events.KindOrderFilled)
	require.Len(t, fills, 2)
	assert.True(t, fills[1].Amount.Equal(dec("2")))
	assert.True(t, fills[1].Price.Equal(dec("101")))
	assert.Equal(t, "t2", fills[1].TradeID)
	assert.True(t, filledTotal(em).Equal(dec("3")))

	assert.Equal(t, []events.Kind{
		events.KindOrderCreated,
		events.KindOrderFilled,
		events.KindOrderFilled,
		events.KindOrderCompleted,
	}, em.kinds())
	assert.Empty(t, c.InFlightOrders())
}

func TestTradeThenStatus(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 8, "3")
	ctx := context.Background()

	fx.reply(xt.PathMyTrades, `{"code":200,"data":[{"id":"t1","orderId":8,"price":"100","number":"1","time":1}]}`)
	require.NoError(t, c.updateTradeStatus(ctx))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)
	assert.Equal(t, order.StatePartiallyFilled, c.InFlightOrders()["cid-8"].LastState)

	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":8,"status":2,"completeNumber":"1","completeMoney":"100"}]}`)
	require.NoError(t, c.updateOrderStatus(ctx))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)

	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":8,"status":3,"completeNumber":"3","completeMoney":"302"}]}`)
	require.NoError(t, c.updateOrderStatus(ctx))

	fills := em.ofKind(events.KindOrderFilled)
	require.Len(t, fills, 2)
	assert.True(t, fills[1].Amount.Equal(dec("2")))
	assert.True(t, fills[1].Price.Equal(dec("101")))
	assert.Len(t, em.ofKind(events.KindOrderCompleted), 1)
	assert.Empty(t, c.InFlightOrders())
}

func TestStatusBatching(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	quietAccount(fx)

	saved := make(map[string]order.Snapshot)
	for i := 1; i <= 150; i++ {
		id := fmt.Sprintf("btc-%03d", i)
		saved[id] = openSnapshot(id, fmt.Sprint(i), "BTC-USDT", "1")
	}
	saved["eth-1"] = openSnapshot("eth-1", "1000", "ETH-USDT", "1")
	require.Equal(t, 151, c.RestoreTrackingStates(saved))

	require.NoError(t, c.UpdateStatus(context.Background()))

	calls := fx.callsTo(xt.PathBatchOrders)
	require.Len(t, calls, 3)
	byMarket := map[string][]int{}
	for _, call := range calls {
		raw, err := base64.StdEncoding.DecodeString(call.params["data"].(string))
		require.NoError(t, err)
		var ids []int64
		require.NoError(t, json.Unmarshal(raw, &ids))
		m := call.params["market"].(string)
		byMarket[m] = append(byMarket[m], len(ids))
	}
	sort.Ints(byMarket["btc_usdt"])
	assert.Equal(t, []int{50, 100}, byMarket["btc_usdt"])
	assert.Equal(t, []int{1}, byMarket["eth_usdt"])

	// one trade request per pair with a tracked order
	trades := fx.callsTo(xt.PathMyTrades)
	assert.Len(t, trades, 2)
}

func TestFailedBatchDoesNotStopOthers(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	quietAccount(fx)
	c.RestoreTrackingStates(map[string]order.Snapshot{
		"btc": openSnapshot("btc", "1", "BTC-USDT", "1"),
		"eth": openSnapshot("eth", "2", "ETH-USDT", "1"),
	})
	fx.on(xt.PathBatchOrders, func(params map[string]any) (json.RawMessage, error) {
		if params["market"] == "btc_usdt" {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"code":200,"data":[{"id":2,"status":3,"completeNumber":"1","completeMoney":"100"}]}`), nil
	})

	err := c.UpdateStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	completed := em.ofKind(events.KindOrderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "eth", completed[0].ClientOrderID)
	tracked := c.InFlightOrders()
	assert.Len(t, tracked, 1)
	assert.Contains(t, tracked, "btc")
}

func TestCancelledStatusEmitsOnce(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	id := placeOrder(t, c, fx, 5, "2")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":5,"status":4,"completeNumber":"0"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	cancelled := em.ofKind(events.KindOrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, id, cancelled[0].ClientOrderID)
	assert.Empty(t, c.InFlightOrders())

	// a repeated record for an order no longer tracked is ignored
	c.processOrderMessage(context.Background(), orderStatusMsg{ID: "5", Status: statusCode(4)})
	assert.Len(t, em.ofKind(events.KindOrderCancelled), 1)
}

func TestCancelledWithFillsReportsFillFirst(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 6, "2")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":6,"status":5,"completeNumber":"0.5","completeMoney":"50"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Equal(t, []events.Kind{
		events.KindOrderCreated,
		events.KindOrderFilled,
		events.KindOrderCancelled,
	}, em.kinds())
}

func TestFailedStatus(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 9, "1")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":9,"status":6}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	failed := em.ofKind(events.KindOrderFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "order status")
	assert.Empty(t, c.InFlightOrders())
}

func TestUnknownStatusCodeIgnored(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 11, "1")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":11,"status":42,"completeNumber":"1"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Equal(t, []events.Kind{events.KindOrderCreated}, em.kinds())
	tracked := c.InFlightOrders()
	require.Contains(t, tracked, "cid-11")
	assert.Equal(t, order.StateOpen, tracked["cid-11"].LastState)
}

func TestStatusForUntrackedOrderIgnored(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 12, "1")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":999,"status":3,"completeNumber":"1"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Equal(t, []events.Kind{events.KindOrderCreated}, em.kinds())
}

func TestAmountReachedWithinTolerance(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 13, "1")
	// still reported open but the executed amount is within tolerance
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":13,"status":2,"completeNumber":"0.9999999999999","completeMoney":"100"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Len(t, em.ofKind(events.KindOrderCompleted), 1)
	assert.Empty(t, c.InFlightOrders())
}

func TestPendingOrdersSkippedInStatusPoll(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	c.cfg.ExchangeIDTimeout = 10 * time.Millisecond
	quietAccount(fx)
	c.track(order.New("pending", "BTC-USDT", order.SideBuy, order.TypeLimit, dec("100"), dec("1"), time.Now()))

	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Empty(t, fx.callsTo(xt.PathBatchOrders))
	assert.Contains(t, c.InFlightOrders(), "pending")
}

func TestTradeLookbackWindow(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	quietAccount(fx)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }
	placeOrder(t, c, fx, 14, "1")

	require.NoError(t, c.updateTradeStatus(context.Background()))
	calls := fx.callsTo(xt.PathMyTrades)
	require.Len(t, calls, 1)
	assert.Equal(t, "btc_usdt", calls[0].params["market"])
	assert.Equal(t, now.UnixMilli(), calls[0].params["endTime"])
	assert.Equal(t, now.Add(-5*time.Minute).UnixMilli(), calls[0].params["startTime"])
}

func TestUpdateBalances(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	ctx := context.Background()

	fx.reply(xt.PathBalance, `{"code":200,"data":{"btc":{"available":"2","freeze":"0.5"},"usdt":{"available":"1000","freeze":"0"}}}`)
	require.NoError(t, c.updateBalances(ctx))
	assert.True(t, c.Balances()["BTC"].Equal(dec("2")))
	assert.True(t, c.AvailableBalances()["BTC"].Equal(dec("1.5")))
	assert.True(t, c.AvailableBalances()["USDT"].Equal(dec("1000")))

	fx.reply(xt.PathBalance, `{"code":200,"data":{"usdt":{"available":"900","freeze":"100"}}}`)
	require.NoError(t, c.updateBalances(ctx))
	assert.NotContains(t, c.Balances(), "BTC")
	assert.NotContains(t, c.AvailableBalances(), "BTC")
	assert.True(t, c.AvailableBalances()["USDT"].Equal(dec("800")))
}

func TestTradingRulesFailureKeepsTable(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	require.Len(t, c.TradingRules(), 2)

	fx.on(xt.PathMarketConfig, func(map[string]any) (json.RawMessage, error) {
		return nil, errors.New("timeout")
	})
	require.Error(t, c.UpdateTradingRules(context.Background()))
	rs := c.TradingRules()
	require.Len(t, rs, 2)
	assert.Equal(t, "BTC-USDT", rs[0].TradingPair)
	assert.True(t, rs[0].MinPriceIncrement.Equal(dec("0.01")))
	assert.True(t, rs[1].MinBaseAmountIncrement.Equal(dec("0.001")))
}

func TestUserStreamThenPollNoDuplicate(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	placeOrder(t, c, fx, 15, "2")
	ctx := context.Background()

	push := `{"event":"trade","data":[{"id":"t9","orderId":"15","price":"100","number":"1","time":1}]}`
	require.NoError(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(push)))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)

	// the same trade again through REST
	fx.reply(xt.PathMyTrades, `{"code":200,"data":[{"id":"t9","orderId":"15","price":"100","number":"1","time":1}]}`)
	require.NoError(t, c.updateTradeStatus(ctx))
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":15,"status":2,"completeNumber":"1","completeMoney":"100"}]}`)
	require.NoError(t, c.updateOrderStatus(ctx))
	assert.Len(t, em.ofKind(events.KindOrderFilled), 1)

	pushed := `{"event":"order","data":[{"id":15,"status":3,"completeNumber":"2","completeMoney":"200"}]}`
	require.NoError(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(pushed)))
	assert.True(t, filledTotal(em).Equal(dec("2")))
	assert.Len(t, em.ofKind(events.KindOrderCompleted), 1)
}

func TestUserStreamMalformed(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	ctx := context.Background()
	assert.Error(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(`not json`)))
	assert.Error(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(`{"event":"order","data":{"id":1}}`)))
	assert.NoError(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(`{"event":"pong"}`)))
	assert.NoError(t, c.ProcessUserStreamMessage(ctx, json.RawMessage(`{"event":"depth","data":[1]}`)))
	assert.Empty(t, em.all())
}

func TestStartRunsStatusLoopOnTick(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	var balanceCalls int32
	fx.on(xt.PathBalance, func(map[string]any) (json.RawMessage, error) {
		atomic.AddInt32(&balanceCalls, 1)
		return json.RawMessage(`{"code":200,"data":{"usdt":{"available":"10","freeze":"0"}}}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Start(ctx)
	assert.Zero(t, atomic.LoadInt32(&balanceCalls))

	c.Tick(time.Now())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&balanceCalls) >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)

	c.Stop()
	n := atomic.LoadInt32(&balanceCalls)
	c.Tick(time.Now().Add(time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&balanceCalls))
}

func statusCode(n int) *flexInt {
	v := flexInt(n)
	return &v
}

func stopWithin(t *testing.T, c *Connector, d time.Duration) {
	t.Helper()
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(d):
		t.Fatal("connector did not stop")
	}
}

func TestTradingRulesLoopRetriesAfterBackoff(t *testing.T) {
	fx := newFakeExchange()
	cfg := testConfig()
	cfg.TradingRequired = false
	cfg.ErrorBackoff = 20 * time.Millisecond
	c := New(cfg, fx, &recordingEmitter{}, zaptest.NewLogger(t))
	var calls int32
	fx.on(xt.PathMarketConfig, func(map[string]any) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(testMarketConfigs), nil
	})

	start := time.Now()
	c.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return len(c.TradingRules()) == 2 }, time.Second, 2*time.Millisecond)

	// the next refresh is a full interval away
	stopWithin(t, c, time.Second)
	n := atomic.LoadInt32(&calls)
	assert.Equal(t, int32(2), n)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&calls))
}

func TestStatusLoopSurvivesFailedPoll(t *testing.T) {
	fx := newFakeExchange()
	c, _ := newTestConnector(t, fx)
	var calls int32
	fx.on(xt.PathBalance, func(map[string]any) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("i/o timeout")
		}
		return json.RawMessage(`{"code":200,"data":{"usdt":{"available":"10","freeze":"0"}}}`), nil
	})

	c.Start(context.Background())
	base := time.Unix(1000, 0)
	c.Tick(base)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 2*time.Millisecond)

	sec := 0
	require.Eventually(t, func() bool {
		sec++
		c.Tick(base.Add(time.Duration(sec) * time.Second))
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)

	// a failing exchange does not keep the loop alive past Stop
	fx.on(xt.PathBalance, func(map[string]any) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("i/o timeout")
	})
	stopWithin(t, c, time.Second)
	n := atomic.LoadInt32(&calls)
	c.Tick(base.Add(time.Hour))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&calls))
}

func TestOpenStatusWithFillsMovesToPartiallyFilled(t *testing.T) {
	fx := newFakeExchange()
	c, em := newTestConnector(t, fx)
	id := placeOrder(t, c, fx, 21, "1")
	fx.reply(xt.PathBatchOrders, `{"code":200,"data":[{"id":21,"status":1,"completeNumber":"0.4","completeMoney":"40"}]}`)

	require.NoError(t, c.updateOrderStatus(context.Background()))
	require.Len(t, em.ofKind(events.KindOrderFilled), 1)
	assert.Empty(t, em.ofKind(events.KindOrderCompleted))
	tracked := c.InFlightOrders()
	require.Contains(t, tracked, id)
	assert.Equal(t, order.StatePartiallyFilled, tracked[id].LastState)
	assert.True(t, tracked[id].ExecutedBase.Equal(dec("0.4")))

	// a later OPEN report does not move the order back
	require.NoError(t, c.updateOrderStatus(context.Background()))
	assert.Equal(t, order.StatePartiallyFilled, c.InFlightOrders()[id].LastState)
	assert.Len(t, em.ofKind(events.KindOrderFilled), 1)
}
