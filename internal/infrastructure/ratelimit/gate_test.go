package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateLimitsConcurrencyPerPath(t *testing.T) {
	g := NewGate(Limit{RequestsPerSecond: 1000, Burst: 100, MaxConcurrent: 2}, nil)

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background(), "trade/api/v1/getBatchOrders")
			require.NoError(t, err)
			defer p.Release()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestGatePathsAreIndependent(t *testing.T) {
	g := NewGate(Limit{RequestsPerSecond: 1000, Burst: 10, MaxConcurrent: 1}, nil)

	held, err := g.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer held.Release()

	other, err := g.Acquire(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", other.Path())
	other.Release()
	other.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateOverrideRate(t *testing.T) {
	g := NewGate(Limit{RequestsPerSecond: 1000, Burst: 10, MaxConcurrent: 4}, map[string]Limit{
		"slow": {RequestsPerSecond: 10, Burst: 1, MaxConcurrent: 4},
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		p, err := g.Acquire(context.Background(), "slow")
		require.NoError(t, err)
		p.Release()
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestGateCancelledContext(t *testing.T) {
	g := NewGate(Limit{RequestsPerSecond: 0.001, Burst: 1, MaxConcurrent: 1}, nil)
	p, err := g.Acquire(context.Background(), "x")
	require.NoError(t, err)
	p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx, "x")
	assert.Error(t, err)

	// the failed acquire must not leak the concurrency slot
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = g.Acquire(ctx2, "x")
	assert.Error(t, err)
}
