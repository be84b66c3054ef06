// Package connector reconciles locally tracked orders against the XT
// exchange. It owns the order registry and the trading-rule table, runs the
// polling loops and exposes order placement and cancellation.
package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
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
)

// Requester performs one exchange REST call.
type Requester interface {
	Request(ctx context.Context, method, path string, params map[string]any, authenticated bool) (json.RawMessage, error)
}

// EventEmitter receives business events.
type EventEmitter interface {
	Emit(ctx context.Context, event events.Event)
}

// Config holds the cadences and sizes of the connector.
type Config struct {
	TradingPairs         []string
	TradingRequired      bool
	PollInterval         time.Duration
	TradingRulesInterval time.Duration
	ErrorBackoff         time.Duration
	TradeLookback        time.Duration
	OrderBatchSize       int
	ExchangeIDTimeout    time.Duration
	CancelPacing         time.Duration
	CancelSettle         time.Duration
	OpenOrdersPageSize   int
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		TradingRequired:      true,
		PollInterval:         time.Second,
		TradingRulesInterval: 60 * time.Second,
		ErrorBackoff:         500 * time.Millisecond,
		TradeLookback:        5 * time.Minute,
		OrderBatchSize:       100,
		ExchangeIDTimeout:    10 * time.Second,
		CancelPacing:         200 * time.Millisecond,
		CancelSettle:         5 * time.Second,
		OpenOrdersPageSize:   1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.TradingRulesInterval <= 0 {
		c.TradingRulesInterval = d.TradingRulesInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.TradeLookback <= 0 {
		c.TradeLookback = d.TradeLookback
	}
	if c.OrderBatchSize <= 0 {
		c.OrderBatchSize = d.OrderBatchSize
	}
	if c.ExchangeIDTimeout <= 0 {
		c.ExchangeIDTimeout = d.ExchangeIDTimeout
	}
	if c.CancelPacing < 0 {
		c.CancelPacing = 0
	}
	if c.CancelSettle < 0 {
		c.CancelSettle = 0
	}
	if c.OpenOrdersPageSize <= 0 {
		c.OpenOrdersPageSize = d.OpenOrdersPageSize
	}
	return c
}

// NetworkStatus is the result of CheckNetwork.
type NetworkStatus string

const (
	NetworkConnected    NetworkStatus = "CONNECTED"
	NetworkNotConnected NetworkStatus = "NOT_CONNECTED"
)

// Connector is the XT order lifecycle core.
type Connector struct {
	cfg       Config
	requester Requester
	emitter   EventEmitter
	logger    *zap.Logger
	now       func() time.Time

	registry *order.Registry
	rules    *rules.Table

	// procMu serializes every order mutation together with the events it
	// produces.
	procMu sync.Mutex

	balMu     sync.RWMutex
	balances  map[string]decimal.Decimal
	available map[string]decimal.Decimal

	tickMu        sync.Mutex
	lastTickNanos int64
	notifier      chan struct{}

	lifeMu  sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a connector. Start must be called to run the loops.
func New(cfg Config, requester Requester, emitter EventEmitter, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:       cfg.withDefaults(),
		requester: requester,
		emitter:   emitter,
		logger:    logger.Named("connector"),
		now:       time.Now,
		registry:  order.NewRegistry(),
		rules:     rules.NewTable(),
		balances:  make(map[string]decimal.Decimal),
		available: make(map[string]decimal.Decimal),
		notifier:  make(chan struct{}, 1),
		baseCtx:   context.Background(),
	}
}

// Start launches the trading-rule loop and, when trading is required, the
// status loop. The loops run until Stop is called or ctx is cancelled.
func (c *Connector) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.baseCtx = runCtx
	c.cancel = cancel

	c.goLoop(func() { c.tradingRulesLoop(runCtx) })
	if c.cfg.TradingRequired {
		c.goLoop(func() { c.statusLoop(runCtx) })
	}
	c.logger.Info("Connector started",
		zap.Strings("trading_pairs", c.cfg.TradingPairs),
		zap.Bool("trading_required", c.cfg.TradingRequired),
	)
}

// Stop cancels the loops and in-flight asynchronous operations and waits for
// them to return.
func (c *Connector) Stop() {
	c.lifeMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("Connector stopped")
}

func (c *Connector) goLoop(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// runContext is the context asynchronous order operations run under.
func (c *Connector) runContext() context.Context {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.baseCtx
}

// CheckNetwork pings the exchange server time endpoint.
func (c *Connector) CheckNetwork(ctx context.Context) (NetworkStatus, error) {
	if _, err := c.requester.Request(ctx, http.MethodGet, xt.PathServerTime, nil, false); err != nil {
		if ctx.Err() != nil {
			return NetworkNotConnected, ctx.Err()
		}
		c.logger.Warn("Network check failed", zap.Error(err))
		return NetworkNotConnected, nil
	}
	return NetworkConnected, nil
}

// Tick is driven by an external clock. It raises the poll notifier once per
// elapsed poll interval.
func (c *Connector) Tick(ts time.Time) {
	interval := int64(c.cfg.PollInterval)
	now := ts.UnixNano()

	c.tickMu.Lock()
	last := c.lastTickNanos
	c.lastTickNanos = now
	c.tickMu.Unlock()

	if now/interval > last/interval {
		select {
		case c.notifier <- struct{}{}:
		default:
		}
	}
}

// StatusDict reports readiness of each component.
func (c *Connector) StatusDict() map[string]bool {
	c.balMu.RLock()
	balanceLoaded := len(c.balances) > 0
	c.balMu.RUnlock()
	return map[string]bool{
		"account_balance":          balanceLoaded || !c.cfg.TradingRequired,
		"trading_rule_initialized": c.rules.Len() > 0,
		"user_stream_initialized":  true,
	}
}

// Ready reports whether every component in StatusDict is ready.
func (c *Connector) Ready() bool {
	for _, ok := range c.StatusDict() {
		if !ok {
			return false
		}
	}
	return true
}

// SupportedOrderTypes lists the accepted order types.
func (c *Connector) SupportedOrderTypes() []order.Type {
	return order.SupportedTypes()
}

// InFlightOrders returns snapshots of every tracked order.
func (c *Connector) InFlightOrders() map[string]order.Snapshot {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	out := make(map[string]order.Snapshot)
	for id, o := range c.registry.Snapshot() {
		out[id] = o.Snapshot()
	}
	return out
}

// LimitOrder is the strategy-facing view of a tracked order.
type LimitOrder struct {
	ClientOrderID string          `json:"client_order_id"`
	TradingPair   string          `json:"trading_pair"`
	IsBuy         bool            `json:"is_buy"`
	BaseAsset     string          `json:"base_asset"`
	QuoteAsset    string          `json:"quote_asset"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Filled        decimal.Decimal `json:"filled"`
	State         order.State     `json:"state"`
}

// LimitOrders returns the tracked orders sorted by client order id.
func (c *Connector) LimitOrders() []LimitOrder {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	snap := c.registry.Snapshot()
	out := make([]LimitOrder, 0, len(snap))
	for _, o := range snap {
		out = append(out, LimitOrder{
			ClientOrderID: o.ClientOrderID,
			TradingPair:   o.TradingPair,
			IsBuy:         o.Side == order.SideBuy,
			BaseAsset:     o.BaseAsset(),
			QuoteAsset:    o.QuoteAsset(),
			Price:         o.Price,
			Quantity:      o.Amount,
			Filled:        o.ExecutedBase,
			State:         o.LastState,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// Balances returns total balances by asset.
func (c *Connector) Balances() map[string]decimal.Decimal {
	c.balMu.RLock()
	defer c.balMu.RUnlock()
	return copyBalances(c.balances)
}

// AvailableBalances returns balances not locked in orders.
func (c *Connector) AvailableBalances() map[string]decimal.Decimal {
	c.balMu.RLock()
	defer c.balMu.RUnlock()
	return copyBalances(c.available)
}

func copyBalances(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TradingRules returns the current rules sorted by pair.
func (c *Connector) TradingRules() []rules.TradingRule {
	return c.rules.All()
}

// TrackingStates returns the persistable snapshots of non-terminal orders.
func (c *Connector) TrackingStates() map[string]order.Snapshot {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	out := make(map[string]order.Snapshot)
	for id, o := range c.registry.Snapshot() {
		if o.IsDone() {
			continue
		}
		out[id] = o.Snapshot()
	}
	return out
}

// RestoreTrackingStates resumes tracking of saved non-terminal orders. An
// order saved before the exchange acknowledged it has no exchange id to
// reconcile against; it is failed with ORDER_FAILED instead of being tracked.
func (c *Connector) RestoreTrackingStates(saved map[string]order.Snapshot) int {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	resumable := make(map[string]order.Snapshot, len(saved))
	var unacked []*order.Order
	for id, s := range saved {
		if s.LastState.IsTerminal() {
			continue
		}
		if s.ExchangeOrderID == "" {
			if s.ClientOrderID == "" {
				s.ClientOrderID = id
			}
			unacked = append(unacked, order.FromSnapshot(s))
			continue
		}
		resumable[id] = s
	}
	n := c.registry.Restore(resumable)
	metrics.TrackedOrders.Set(float64(c.registry.Len()))

	sort.Slice(unacked, func(i, j int) bool { return unacked[i].ClientOrderID < unacked[j].ClientOrderID })
	ctx := c.runContext()
	for _, o := range unacked {
		o.Abandon()
		if _, err := o.Transition(order.StateFailed); err != nil {
			c.logger.Warn("Rejected state change", zap.Error(err))
		}
		c.logger.Warn("Dropping restored order without exchange order id",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("trading_pair", o.TradingPair),
		)
		c.emitter.Emit(ctx, events.Failed(o, "not acknowledged by the exchange before restart", c.now()))
	}
	c.logger.Info("Restored tracking states",
		zap.Int("restored", n),
		zap.Int("unacknowledged", len(unacked)),
		zap.Int("saved", len(saved)),
	)
	return n
}

// GetFee returns the fee rate for an order type on pair. LIMIT_MAKER orders
// pay the maker rate, everything else the taker rate.
func (c *Connector) GetFee(pair string, typ order.Type) (decimal.Decimal, error) {
	rule, ok := c.rules.Get(pair)
	if !ok {
		return decimal.Zero, xerrors.NewValidationError("trading_pair", "no trading rule for "+pair, xerrors.ErrUnknownTradingPair)
	}
	if typ == order.TypeLimitMaker {
		return rule.MakerFee, nil
	}
	return rule.TakerFee, nil
}

// track and untrack keep the tracked-orders gauge in step with the registry.
func (c *Connector) track(o *order.Order) {
	c.registry.StartTracking(o)
	metrics.TrackedOrders.Set(float64(c.registry.Len()))
}

func (c *Connector) untrack(clientOrderID string) {
	c.registry.StopTracking(clientOrderID)
	metrics.TrackedOrders.Set(float64(c.registry.Len()))
}

// trackedPairs returns the configured pairs plus the pairs of every order in
// snap, sorted.
func (c *Connector) trackedPairs(snap map[string]*order.Order) []string {
	seen := make(map[string]struct{})
	for _, p := range c.cfg.TradingPairs {
		seen[p] = struct{}{}
	}
	for _, o := range snap {
		seen[o.TradingPair] = struct{}{}
	}
	pairs := make([]string, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
