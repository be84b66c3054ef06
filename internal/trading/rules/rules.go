// Package rules keeps the per-pair trading constraints used to quantize and
// validate orders before they reach the exchange.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradingRule holds the constraints of one trading pair.
type TradingRule struct {
	TradingPair            string          `json:"trading_pair"`
	MinOrderSize           decimal.Decimal `json:"min_order_size"`
	MinOrderValue          decimal.Decimal `json:"min_order_value"`
	MinPriceIncrement      decimal.Decimal `json:"min_price_increment"`
	MinBaseAmountIncrement decimal.Decimal `json:"min_base_amount_increment"`
	MakerFee               decimal.Decimal `json:"maker_fee"`
	TakerFee               decimal.Decimal `json:"taker_fee"`
}

// marketConfig is one entry of the market config response.
type marketConfig struct {
	MinAmount  *decimal.Decimal `json:"minAmount"`
	MinMoney   *decimal.Decimal `json:"minMoney"`
	PricePoint *int32           `json:"pricePoint"`
	CoinPoint  *int32           `json:"coinPoint"`
	Maker      decimal.Decimal  `json:"maker"`
	Taker      decimal.Decimal  `json:"taker"`
}

func (m marketConfig) toRule(pair string) (TradingRule, error) {
	switch {
	case m.MinAmount == nil:
		return TradingRule{}, fmt.Errorf("missing minAmount")
	case m.MinMoney == nil:
		return TradingRule{}, fmt.Errorf("missing minMoney")
	case m.PricePoint == nil || *m.PricePoint < 0:
		return TradingRule{}, fmt.Errorf("missing or negative pricePoint")
	case m.CoinPoint == nil || *m.CoinPoint < 0:
		return TradingRule{}, fmt.Errorf("missing or negative coinPoint")
	}
	return TradingRule{
		TradingPair:            pair,
		MinOrderSize:           *m.MinAmount,
		MinOrderValue:          *m.MinMoney,
		MinPriceIncrement:      decimal.New(1, -*m.PricePoint),
		MinBaseAmountIncrement: decimal.New(1, -*m.CoinPoint),
		MakerFee:               m.Maker,
		TakerFee:               m.Taker,
	}, nil
}

// ParseMarketConfigs turns the market config response into rules keyed by
// trading pair. The response may be the bare market map or wrapped in a
// "data" field. Malformed entries are logged and skipped.
func ParseMarketConfigs(raw json.RawMessage, toPair func(string) string, logger *zap.Logger) (map[string]TradingRule, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("decode market configs: %w", err)
	}
	if data, ok := top["data"]; ok && len(data) > 0 && data[0] == '{' {
		top = nil
		if err := json.Unmarshal(data, &top); err != nil {
			return nil, fmt.Errorf("decode market configs data: %w", err)
		}
	}

	result := make(map[string]TradingRule, len(top))
	for market, entry := range top {
		if len(entry) == 0 || entry[0] != '{' {
			// code, info and other envelope scalars
			continue
		}
		pair := toPair(market)
		var cfg marketConfig
		if err := json.Unmarshal(entry, &cfg); err != nil {
			logger.Error("Skipping malformed trading rule", zap.String("market", market), zap.Error(err))
			continue
		}
		rule, err := cfg.toRule(pair)
		if err != nil {
			logger.Error("Skipping malformed trading rule", zap.String("market", market), zap.Error(err))
			continue
		}
		result[pair] = rule
	}
	return result, nil
}

// Table is the current rule set. Readers always see a complete set; Replace
// swaps the whole map at once.
type Table struct {
	rules atomic.Pointer[map[string]TradingRule]
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	empty := map[string]TradingRule{}
	t.rules.Store(&empty)
	return t
}

// Replace installs a new rule set.
func (t *Table) Replace(rules map[string]TradingRule) {
	cp := make(map[string]TradingRule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	t.rules.Store(&cp)
}

// Get returns the rule for pair.
func (t *Table) Get(pair string) (TradingRule, bool) {
	r, ok := (*t.rules.Load())[pair]
	return r, ok
}

// Len returns the number of pairs in the table.
func (t *Table) Len() int { return len(*t.rules.Load()) }

// All returns the rules sorted by trading pair.
func (t *Table) All() []TradingRule {
	m := *t.rules.Load()
	out := make([]TradingRule, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}

func (t *Table) lookup(pair string) (TradingRule, error) {
	r, ok := t.Get(pair)
	if !ok {
		return TradingRule{}, xerrors.NewValidationError("trading_pair", fmt.Sprintf("no trading rule for %s", pair), xerrors.ErrUnknownTradingPair)
	}
	return r, nil
}

// QuantizePrice rounds price down to the pair's price increment.
func (t *Table) QuantizePrice(pair string, price decimal.Decimal) (decimal.Decimal, error) {
	r, err := t.lookup(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return quantize(price, r.MinPriceIncrement), nil
}

// QuantizeAmount rounds amount down to the pair's base amount increment.
func (t *Table) QuantizeAmount(pair string, amount decimal.Decimal) (decimal.Decimal, error) {
	r, err := t.lookup(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return quantize(amount, r.MinBaseAmountIncrement), nil
}

func quantize(v, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return v
	}
	return v.Div(increment).Floor().Mul(increment)
}
