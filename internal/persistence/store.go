// Package persistence saves the tracking state of non-terminal orders so a
// restarted connector resumes reconciling them.
package persistence

import (
	"context"
	"fmt"

	"github.com/Aidin1998/xtconnector/internal/trading/order"
)

// Store persists the full set of tracked order snapshots. Save replaces
// whatever was stored before.
type Store interface {
	Save(ctx context.Context, states map[string]order.Snapshot) error
	Load(ctx context.Context) (map[string]order.Snapshot, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the badger directory. Empty runs badger in memory.
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

// Open builds the configured store. BackendNone returns a nil store.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendBadger:
		return NewBadgerStore(opts.Path)
	case BackendRedis:
		return NewRedisStore(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Key:      opts.RedisKey,
		})
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", opts.Backend)
	}
}
