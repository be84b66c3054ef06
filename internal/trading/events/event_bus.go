package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives an event. It should be fast: delivery is synchronous so
// that per-order ordering holds for every subscriber.
type Handler func(Event)

// Sink is a destination for emitted events.
type Sink interface {
	Handle(ctx context.Context, event Event) error
}

// InMemoryBus delivers events to in-process subscribers, by kind or to all.
type InMemoryBus struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	subs    map[Kind][]Handler
	all     []Handler
	metrics BusMetrics
}

// BusMetrics are delivery counters of an InMemoryBus.
type BusMetrics struct {
	Published int64
	Delivered int64
	Failed    int64
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for one kind of event.
func (bus *InMemoryBus) Subscribe(kind Kind, handler Handler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subs[kind] = append(bus.subs[kind], handler)
	bus.logger.Debug("Subscribed handler", zap.String("kind", string(kind)))
}

// SubscribeAll registers a handler for every event.
func (bus *InMemoryBus) SubscribeAll(handler Handler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.all = append(bus.all, handler)
}

// Handle implements Sink. A panicking handler is recovered and counted.
func (bus *InMemoryBus) Handle(_ context.Context, event Event) error {
	atomic.AddInt64(&bus.metrics.Published, 1)
	bus.mu.RLock()
	handlers := append(append([]Handler{}, bus.subs[event.Kind]...), bus.all...)
	bus.mu.RUnlock()

	for _, h := range handlers {
		bus.deliver(h, event)
	}
	return nil
}

func (bus *InMemoryBus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("Event handler panic", zap.Any("recover", r), zap.String("kind", string(event.Kind)))
			atomic.AddInt64(&bus.metrics.Failed, 1)
		}
	}()
	h(event)
	atomic.AddInt64(&bus.metrics.Delivered, 1)
}

// Metrics returns a copy of the delivery counters.
func (bus *InMemoryBus) Metrics() BusMetrics {
	return BusMetrics{
		Published: atomic.LoadInt64(&bus.metrics.Published),
		Delivered: atomic.LoadInt64(&bus.metrics.Delivered),
		Failed:    atomic.LoadInt64(&bus.metrics.Failed),
	}
}
