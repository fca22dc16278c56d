package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/charleschow/ordersync/internal/clock"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/events"
	"github.com/charleschow/ordersync/internal/telemetry"
)

const (
	DefaultMissThreshold = 2
	DefaultExpiryWindow  = 15 * time.Minute
)

// Publisher receives one Notification per state-changing call.
// Satisfied by *fanout.Hub.
type Publisher interface {
	Publish(Notification)
}

type Config struct {
	// MissThreshold is how many consecutive snapshots an order may be
	// absent from before it is removed.
	MissThreshold int
	// ExpiryWindow derives ExpiresAt when the backend does not send one.
	ExpiryWindow time.Duration
	Clock        clock.Clock
}

// Engine is the single writer of the local order set. Push events and
// poll snapshots are both merged here under one mutex.
//
// The merge rules (status only advances, terminal is sticky, removal
// needs MissThreshold consecutive misses) make the outcome independent
// of how push and poll interleave, so no sequence numbers are needed.
type Engine struct {
	cfg Config
	pub Publisher

	mu      sync.Mutex
	orders  map[string]*domain.Order
	misses  map[string]int
	version uint64

	// pubMu is taken before mu by every mutating call and held through
	// delivery, so notifications keep mutation order and subscribers can
	// read the engine while a second mutation waits.
	pubMu sync.Mutex
}

func NewEngine(cfg Config, pub Publisher) *Engine {
	if cfg.MissThreshold < 1 {
		cfg.MissThreshold = DefaultMissThreshold
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	return &Engine{
		cfg:    cfg,
		pub:    pub,
		orders: make(map[string]*domain.Order),
		misses: make(map[string]int),
	}
}

// ApplyEvent merges one push event. It reports whether state changed.
// Keep-alives, unknown kinds and no-op merges return false and publish
// nothing.
func (e *Engine) ApplyEvent(evt events.Event) bool {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.mu.Lock()

	var changes []Change
	switch p := evt.Payload.(type) {
	case events.OrderCreated:
		if c, ok := e.insertLocked(p.Order, SourcePush); ok {
			changes = append(changes, c)
		}
	case events.OrderUpdated:
		if c, ok := e.updateLocked(p.Patch); ok {
			changes = append(changes, c)
		}
	case events.OrderDeleted:
		if c, ok := e.removeLocked(p.ID, SourcePush); ok {
			changes = append(changes, c)
		}
	default:
		if evt.Kind != "" && !evt.KeepAlive() {
			telemetry.Debugf("reconcile: ignoring event kind=%q", evt.Kind)
		}
	}

	if len(changes) == 0 {
		e.mu.Unlock()
		telemetry.Metrics.EventsDropped.Inc()
		return false
	}
	telemetry.Metrics.EventsApplied.Inc()
	e.commitLocked(SourcePush, changes)
	return true
}

// ApplySnapshot reconciles a full order list. Unknown orders are
// inserted, known ones merged, and orders missing from MissThreshold
// consecutive snapshots are removed. One notification is published if
// anything visible changed.
func (e *Engine) ApplySnapshot(src Source, list []domain.Order) bool {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.mu.Lock()

	var changes []Change
	seen := make(map[string]bool, len(list))

	for _, o := range list {
		if err := o.Validate(); err != nil {
			telemetry.Debugf("reconcile: snapshot row dropped: %v", err)
			continue
		}
		id := o.ID
		if seen[id] {
			continue
		}
		seen[id] = true
		delete(e.misses, id)

		if _, ok := e.orders[id]; !ok {
			if c, ok := e.insertLocked(o, src); ok {
				changes = append(changes, c)
			}
			continue
		}
		if c, ok := e.mergeLocked(domain.PatchFrom(o), src); ok {
			changes = append(changes, c)
		}
	}

	for _, id := range e.sortedIDsLocked() {
		if seen[id] {
			continue
		}
		e.misses[id]++
		if e.misses[id] < e.cfg.MissThreshold {
			telemetry.Debugf("reconcile: order %s missing from snapshot (%d/%d)", id, e.misses[id], e.cfg.MissThreshold)
			continue
		}
		if c, ok := e.removeLocked(id, src); ok {
			telemetry.Metrics.OrdersMissed.Inc()
			changes = append(changes, c)
		}
	}

	telemetry.Metrics.SnapshotsApplied.Inc()
	if len(changes) == 0 {
		e.mu.Unlock()
		return false
	}
	e.commitLocked(src, changes)
	return true
}

// View returns a copy of the current state. Safe to call from subscribers;
// subscribers must not call ApplyEvent or ApplySnapshot.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) Get(id string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// MissCount exposes the deletion-tolerance counter for an order.
func (e *Engine) MissCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.misses[id]
}

func (e *Engine) insertLocked(o domain.Order, src Source) (Change, bool) {
	if err := o.Validate(); err != nil {
		telemetry.Debugf("reconcile: create dropped: %v", err)
		return Change{}, false
	}
	if _, ok := e.orders[o.ID]; ok {
		return Change{}, false
	}
	n := domain.Normalize(o, e.cfg.Clock.Now(), e.cfg.ExpiryWindow)
	e.orders[n.ID] = &n
	delete(e.misses, n.ID)
	return Change{Op: OpInserted, ID: n.ID, Status: n.Status, Source: src}, true
}

// updateLocked applies a push update. An update never creates an order.
func (e *Engine) updateLocked(p domain.Patch) (Change, bool) {
	if p.ID == "" {
		telemetry.Debugf("reconcile: update without id dropped")
		return Change{}, false
	}
	if _, ok := e.orders[p.ID]; !ok {
		telemetry.Debugf("reconcile: update for unknown order %s dropped", p.ID)
		return Change{}, false
	}
	return e.mergeLocked(p, SourcePush)
}

func (e *Engine) mergeLocked(p domain.Patch, src Source) (Change, bool) {
	cur := e.orders[p.ID]
	prev := cur.Status
	if p.Status != "" && prev.IsTerminal() && p.Status != prev {
		telemetry.Debugf("reconcile: order %s is %s, ignoring status %s from %s", p.ID, prev, p.Status, src)
	}
	if !cur.Apply(p) {
		return Change{}, false
	}
	return Change{Op: OpUpdated, ID: p.ID, Status: cur.Status, PrevStatus: prev, Source: src}, true
}

func (e *Engine) removeLocked(id string, src Source) (Change, bool) {
	delete(e.misses, id)
	o, ok := e.orders[id]
	if !ok {
		return Change{}, false
	}
	delete(e.orders, id)
	return Change{Op: OpRemoved, ID: id, PrevStatus: o.Status, Source: src}, true
}

// commitLocked bumps the version and publishes. It is entered with pubMu
// and mu held, and releases mu before delivery.
func (e *Engine) commitLocked(src Source, changes []Change) {
	e.version++
	n := Notification{Source: src, Changes: changes, View: e.viewLocked()}
	telemetry.Metrics.ActiveOrders.Set(int64(len(e.orders)))
	e.mu.Unlock()

	if e.pub == nil {
		return
	}
	telemetry.Metrics.Notifications.Inc()
	e.pub.Publish(n)
}

func (e *Engine) viewLocked() View {
	orders := make([]domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return View{Version: e.version, Orders: orders}
}

func (e *Engine) sortedIDsLocked() []string {
	ids := make([]string, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
