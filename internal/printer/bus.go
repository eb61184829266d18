package printer

import "sync"

// StatusBus fans connection state transitions out to subscribers.
//
// Delivery is synchronous and totally ordered: every subscriber sees every
// transition in publish order. Callbacks must not block and must not publish.
type StatusBus struct {
	mu     sync.RWMutex
	pubMu  sync.Mutex
	subs   map[uint64]func(ConnectionState, error)
	order  []uint64
	nextID uint64
}

// NewStatusBus creates an empty bus
func NewStatusBus() *StatusBus {
	return &StatusBus{subs: make(map[uint64]func(ConnectionState, error))}
}

// Subscribe registers fn and returns a function that removes it. The
// unsubscribe function is safe to call more than once.
func (b *StatusBus) Subscribe(fn func(ConnectionState, error)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers a transition to every current subscriber, in
// subscription order.
func (b *StatusBus) Publish(state ConnectionState, err error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	fns := make([]func(ConnectionState, error), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(state, err)
	}
}

// Len returns the number of subscribers.
func (b *StatusBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
