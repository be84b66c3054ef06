package order

import (
	"sync"
)

// Registry is the set of orders the connector is tracking, keyed by client
// order id.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]*Order)}
}

// StartTracking inserts o, replacing any order with the same client id.
func (r *Registry) StartTracking(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ClientOrderID] = o
}

// StopTracking removes the order if present.
func (r *Registry) StopTracking(clientOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, clientOrderID)
}

// Get returns the tracked order for clientOrderID.
func (r *Registry) Get(clientOrderID string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[clientOrderID]
	return o, ok
}

// Snapshot returns a copy of the registry map. The orders themselves are
// shared; only membership is copied.
func (r *Registry) Snapshot() map[string]*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Order, len(r.orders))
	for id, o := range r.orders {
		out[id] = o
	}
	return out
}

// FindByExchangeID returns the tracked order bound to exchangeOrderID.
func (r *Registry) FindByExchangeID(exchangeOrderID string) (*Order, bool) {
	if exchangeOrderID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.ExchangeOrderID() == exchangeOrderID {
			return o, true
		}
	}
	return nil, false
}

// Restore inserts the non-terminal orders of saved. Terminal snapshots are
// dropped. It returns the number of orders restored.
func (r *Registry) Restore(saved map[string]Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range saved {
		if s.LastState.IsTerminal() {
			continue
		}
		if s.ClientOrderID == "" {
			s.ClientOrderID = id
		}
		r.orders[s.ClientOrderID] = FromSnapshot(s)
		n++
	}
	return n
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}
