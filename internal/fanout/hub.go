package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/telemetry"
)

// Handler receives engine notifications.
type Handler func(reconcile.Notification)

type subscription struct {
	id     uint64
	fn     Handler
	active atomic.Bool
}

// Hub is a synchronous in-process fan-out of engine notifications.
// Delivery happens on the publisher's goroutine; order between subscribers
// is unspecified. A panicking subscriber is logged and skipped. There is
// no replay: new subscribers pull the baseline from the engine themselves.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// Subscribe registers fn and returns a function that removes it. Once the
// returned function has been called fn is never invoked again.
func (h *Hub) Subscribe(fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	s := &subscription{id: h.nextID, fn: fn}
	s.active.Store(true)
	h.subs[s.id] = s
	h.mu.Unlock()

	return func() {
		s.active.Store(false)
		h.mu.Lock()
		delete(h.subs, s.id)
		h.mu.Unlock()
	}
}

func (h *Hub) Publish(n reconcile.Notification) {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		deliver(s, n)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// deliver isolates one subscriber; a panic here must not reach the engine.
func deliver(s *subscription, n reconcile.Notification) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Metrics.SubscriberPanics.Inc()
			telemetry.Warnf("fanout: subscriber %d panicked: %v", s.id, r)
		}
	}()
	s.fn(n)
}
