package persistence

import (
	"context"
	"time"

	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"go.uber.org/zap"
)

// StateSource provides the states to persist.
type StateSource interface {
	TrackingStates() map[string]order.Snapshot
}

// Checkpointer saves the tracking states on an interval and once more when
// it stops.
type Checkpointer struct {
	store    Store
	source   StateSource
	interval time.Duration
	logger   *zap.Logger
	kick     chan struct{}
}

// NewCheckpointer creates a checkpointer. A non-positive interval defaults to
// 10 seconds.
func NewCheckpointer(store Store, source StateSource, interval time.Duration, logger *zap.Logger) *Checkpointer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checkpointer{
		store:    store,
		source:   source,
		interval: interval,
		logger:   logger.Named("checkpoint"),
		kick:     make(chan struct{}, 1),
	}
}

// Run saves every interval until ctx is done, then saves a final time with a
// fresh short-lived context.
func (c *Checkpointer) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Save(final); err != nil {
				c.logger.Error("Final checkpoint failed", zap.Error(err))
			}
			cancel()
			return
		case <-t.C:
		case <-c.kick:
		}
		if err := c.Save(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Checkpoint failed", zap.Error(err))
		}
	}
}

// Trigger asks Run to save now instead of waiting for the next interval.
func (c *Checkpointer) Trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Save persists the current states once.
func (c *Checkpointer) Save(ctx context.Context) error {
	states := c.source.TrackingStates()
	if err := c.store.Save(ctx, states); err != nil {
		return err
	}
	c.logger.Debug("Saved tracking states", zap.Int("orders", len(states)))
	return nil
}
