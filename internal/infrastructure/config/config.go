// Package config loads the connector configuration from YAML and the
// environment.
package config

import (
	"time"

	"github.com/Aidin1998/xtconnector/internal/infrastructure/ratelimit"
)

// Config is the full process configuration.
type Config struct {
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Polling     PollingConfig     `mapstructure:"polling"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Events      EventsConfig      `mapstructure:"events"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
}

// ExchangeConfig holds endpoints, credentials and the traded pairs.
type ExchangeConfig struct {
	RESTURL           string   `mapstructure:"rest_url"`
	WSURL             string   `mapstructure:"ws_url"`
	APIKey            string   `mapstructure:"api_key"`
	SecretKey         string   `mapstructure:"secret_key"`
	ListenKey         string   `mapstructure:"listen_key"`
	TradingPairs      []string `mapstructure:"trading_pairs"`
	TradingRequired   bool     `mapstructure:"trading_required"`
	UserStreamEnabled bool     `mapstructure:"user_stream_enabled"`
}

// PollingConfig holds the reconciliation cadences.
type PollingConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	TradingRulesInterval time.Duration `mapstructure:"trading_rules_interval"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	TradeLookback        time.Duration `mapstructure:"trade_lookback"`
	OrderBatchSize       int           `mapstructure:"order_batch_size"`
	ExchangeIDTimeout    time.Duration `mapstructure:"exchange_id_timeout"`
	CancelPacing         time.Duration `mapstructure:"cancel_pacing"`
	CancelSettle         time.Duration `mapstructure:"cancel_settle"`
	OpenOrdersPageSize   int           `mapstructure:"open_orders_page_size"`
	APITimeout           time.Duration `mapstructure:"api_timeout"`
}

// RateLimitConfig is the default bucket plus overrides keyed by endpoint
// name (see xt.PathByName).
type RateLimitConfig struct {
	Default   ratelimit.Limit            `mapstructure:"default"`
	Overrides map[string]ratelimit.Limit `mapstructure:"overrides"`
}

// PersistenceConfig selects where tracking states are checkpointed.
type PersistenceConfig struct {
	Backend            string        `mapstructure:"backend"`
	Path               string        `mapstructure:"path"`
	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisPassword      string        `mapstructure:"redis_password"`
	RedisDB            int           `mapstructure:"redis_db"`
	RedisKey           string        `mapstructure:"redis_key"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// EventsConfig configures the optional Kafka sink.
type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ShutdownConfig controls what happens on SIGINT/SIGTERM.
type ShutdownConfig struct {
	CancelAll        bool          `mapstructure:"cancel_all"`
	CancelAllTimeout time.Duration `mapstructure:"cancel_all_timeout"`
}
