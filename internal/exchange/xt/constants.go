// Package xt is the REST transport for the XT exchange: request signing,
// response classification and the endpoint catalogue.
package xt

import "strings"

// DefaultRESTURL is the production REST endpoint.
const DefaultRESTURL = "https://api.xt.com"

// REST paths, relative to the base URL. They double as rate gate keys.
const (
	PathMarketConfig = "trade/api/v1/getMarketConfig"
	PathCreateOrder  = "trade/api/v1/order"
	PathCancelOrder  = "trade/api/v1/cancel"
	PathBatchOrders  = "trade/api/v1/getBatchOrders"
	PathMyTrades     = "trade/api/v1/myTrades"
	PathBalance      = "trade/api/v1/getBalance"
	PathOpenOrders   = "trade/api/v1/getOpenOrders"
	PathServerTime   = "trade/api/v1/getServerTime"
)

// endpoints names each path for configuration files, whose keys are
// case-folded.
var endpoints = map[string]string{
	"market_config": PathMarketConfig,
	"create_order":  PathCreateOrder,
	"cancel_order":  PathCancelOrder,
	"batch_orders":  PathBatchOrders,
	"my_trades":     PathMyTrades,
	"balance":       PathBalance,
	"open_orders":   PathOpenOrders,
	"server_time":   PathServerTime,
}

// PathByName resolves an endpoint name such as "batch_orders" to its path.
func PathByName(name string) (string, bool) {
	p, ok := endpoints[strings.ToLower(name)]
	return p, ok
}

// Order side and entrust type codes used by the create endpoint.
const (
	SideBuy          = 1
	SideSell         = 0
	EntrustTypeLimit = 0
)

// acceptedCodes are the body codes treated as success.
var acceptedCodes = map[int]struct{}{200: {}, 121: {}, 122: {}}

// IsAcceptedCode reports whether code is a success code.
func IsAcceptedCode(code int) bool {
	_, ok := acceptedCodes[code]
	return ok
}

// ToExchangePair converts "BTC-USDT" to "btc_usdt".
func ToExchangePair(pair string) string {
	return strings.ToLower(strings.ReplaceAll(pair, "-", "_"))
}

// FromExchangePair converts "btc_usdt" to "BTC-USDT".
func FromExchangePair(market string) string {
	return strings.ToUpper(strings.ReplaceAll(market, "_", "-"))
}
