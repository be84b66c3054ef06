// Package ratelimit provides the per-path gate every exchange request passes
// through.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limit is the budget of one bucket: a token rate plus a cap on requests in
// flight at the same time.
type Limit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxConcurrent     int64   `mapstructure:"max_concurrent"`
}

func (l Limit) normalized() Limit {
	if l.RequestsPerSecond <= 0 {
		l.RequestsPerSecond = 10
	}
	if l.Burst <= 0 {
		l.Burst = 1
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 1
	}
	return l
}

type bucket struct {
	limiter *rate.Limiter
	inUse   *semaphore.Weighted
}

// Gate hands out permits keyed by endpoint path. Paths without an override
// share the default limit, one bucket per path.
type Gate struct {
	def       Limit
	overrides map[string]Limit

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewGate creates a gate with a default limit and per-path overrides.
func NewGate(def Limit, overrides map[string]Limit) *Gate {
	cp := make(map[string]Limit, len(overrides))
	for path, l := range overrides {
		cp[path] = l.normalized()
	}
	return &Gate{
		def:       def.normalized(),
		overrides: cp,
		buckets:   make(map[string]*bucket),
	}
}

func (g *Gate) bucketFor(path string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[path]
	if !ok {
		l, found := g.overrides[path]
		if !found {
			l = g.def
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(l.RequestsPerSecond), l.Burst),
			inUse:   semaphore.NewWeighted(l.MaxConcurrent),
		}
		g.buckets[path] = b
	}
	return b
}

// Permit is held for the duration of one request.
type Permit struct {
	path    string
	release func()
	once    sync.Once
}

// Path returns the bucket key the permit was issued for.
func (p *Permit) Path() string { return p.path }

// Release returns the concurrency slot. Calling it more than once is safe.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Acquire blocks until path may issue a request or ctx is done.
func (g *Gate) Acquire(ctx context.Context, path string) (*Permit, error) {
	b := g.bucketFor(path)
	if err := b.inUse.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("rate gate %s: %w", path, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		b.inUse.Release(1)
		return nil, fmt.Errorf("rate gate %s: %w", path, err)
	}
	return &Permit{
		path:    path,
		release: func() { b.inUse.Release(1) },
	}, nil
}
