package config

import (
	"fmt"
	"strings"

	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/xtconnector/internal/persistence"
	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. XTCONN_EXCHANGE_API_KEY.
const EnvPrefix = "XTCONN"

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rest_url", xt.DefaultRESTURL)
	v.SetDefault("exchange.ws_url", "wss://stream.xt.com/private")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.listen_key", "")
	v.SetDefault("exchange.trading_pairs", []string{})
	v.SetDefault("exchange.trading_required", true)
	v.SetDefault("exchange.user_stream_enabled", false)

	v.SetDefault("polling.poll_interval", "1s")
	v.SetDefault("polling.trading_rules_interval", "60s")
	v.SetDefault("polling.error_backoff", "500ms")
	v.SetDefault("polling.trade_lookback", "5m")
	v.SetDefault("polling.order_batch_size", 100)
	v.SetDefault("polling.exchange_id_timeout", "10s")
	v.SetDefault("polling.cancel_pacing", "200ms")
	v.SetDefault("polling.cancel_settle", "5s")
	v.SetDefault("polling.open_orders_page_size", 1000)
	v.SetDefault("polling.api_timeout", "10s")

	v.SetDefault("rate_limit.default.requests_per_second", 10)
	v.SetDefault("rate_limit.default.burst", 5)
	v.SetDefault("rate_limit.default.max_concurrent", 4)

	v.SetDefault("persistence.backend", "none")
	v.SetDefault("persistence.path", "./data/tracking")
	v.SetDefault("persistence.redis_addr", "")
	v.SetDefault("persistence.redis_password", "")
	v.SetDefault("persistence.redis_db", 0)
	v.SetDefault("persistence.redis_key", "xtconnector:tracking")
	v.SetDefault("persistence.checkpoint_interval", "10s")

	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", "xtconnector.order-events")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("shutdown.cancel_all", false)
	v.SetDefault("shutdown.cancel_all_timeout", "10s")
}

// Load reads path (optional) and applies XTCONN_* environment overrides on
// top of the defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Exchange.TradingPairs = normalizePairs(cfg.Exchange.TradingPairs)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func normalizePairs(pairs []string) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values the connector cannot run with.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, xerrors.NewValidationError(field, reason, nil))
	}

	if c.Exchange.TradingRequired && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		bad("exchange.api_key", "api and secret keys are required when trading")
	}
	for _, p := range c.Exchange.TradingPairs {
		if base, quote, ok := strings.Cut(p, "-"); !ok || base == "" || quote == "" {
			bad("exchange.trading_pairs", fmt.Sprintf("%q is not BASE-QUOTE", p))
		}
	}
	if c.Exchange.UserStreamEnabled && c.Exchange.WSURL == "" {
		bad("exchange.ws_url", "required when the user stream is enabled")
	}

	if c.Polling.PollInterval <= 0 {
		bad("polling.poll_interval", "must be positive")
	}
	if c.Polling.OrderBatchSize <= 0 {
		bad("polling.order_batch_size", "must be positive")
	}
	if c.Polling.OpenOrdersPageSize <= 0 {
		bad("polling.open_orders_page_size", "must be positive")
	}
	if c.Polling.CancelPacing < 0 || c.Polling.CancelSettle < 0 {
		bad("polling.cancel_pacing", "must not be negative")
	}

	for name := range c.RateLimit.Overrides {
		if _, ok := xt.PathByName(name); !ok {
			bad("rate_limit.overrides", "unknown endpoint "+name)
		}
	}

	switch c.Persistence.Backend {
	case persistence.BackendNone, "", persistence.BackendBadger:
	case persistence.BackendRedis:
		if c.Persistence.RedisAddr == "" {
			bad("persistence.redis_addr", "required for the redis backend")
		}
	default:
		bad("persistence.backend", fmt.Sprintf("unknown backend %q", c.Persistence.Backend))
	}

	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		bad("events.kafka_topic", "required when brokers are set")
	}
	if c.API.Enabled && c.API.Listen == "" {
		bad("api.listen", "required when the api is enabled")
	}
	return xerrors.Join(errs...)
}

// RateLimitOverrides resolves the override names to request paths.
func (c *Config) RateLimitOverrides() map[string]ratelimit.Limit {
	out := make(map[string]ratelimit.Limit, len(c.RateLimit.Overrides))
	for name, l := range c.RateLimit.Overrides {
		if path, ok := xt.PathByName(name); ok {
			out[path] = l
		}
	}
	return out
}
