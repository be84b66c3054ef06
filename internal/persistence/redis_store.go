package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key is the hash holding client_order_id -> snapshot.
	Key         string
	DialTimeout time.Duration
}

// RedisStore keeps the tracking states in a single redis hash so several
// processes can share one checkpoint location.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects lazily; the first command dials.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis store: address is required")
	}
	if opts.Key == "" {
		opts.Key = "xtconnector:tracking"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	return &RedisStore{client: client, key: opts.Key}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save replaces the hash atomically.
func (s *RedisStore) Save(ctx context.Context, states map[string]order.Snapshot) error {
	fields := make([]any, 0, 2*len(states))
	for id, snap := range states {
		val, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		fields = append(fields, id, val)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, s.key, fields...)
		}
		return nil
	})
	return err
}

// Load reads every snapshot in the hash.
func (s *RedisStore) Load(ctx context.Context) (map[string]order.Snapshot, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]order.Snapshot, len(raw))
	for id, val := range raw {
		var snap order.Snapshot
		if err := json.Unmarshal([]byte(val), &snap); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		out[id] = snap
	}
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
