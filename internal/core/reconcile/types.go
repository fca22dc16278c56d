package reconcile

import "github.com/charleschow/ordersync/internal/domain"

// Source says which input produced a change.
type Source string

const (
	SourcePush Source = "push" // WebSocket event or server-pushed full list
	SourcePoll Source = "poll" // fallback poller or manual refresh
)

type Op string

const (
	OpInserted Op = "inserted"
	OpUpdated  Op = "updated"
	OpRemoved  Op = "removed"
)

// Change describes one order-level mutation.
type Change struct {
	Op         Op            `json:"op"`
	ID         string        `json:"id"`
	Status     domain.Status `json:"status,omitempty"`
	PrevStatus domain.Status `json:"prev_status,omitempty"`
	Source     Source        `json:"source"`
}

// View is an immutable copy of the order set, sorted by creation time.
type View struct {
	Version uint64
	Orders  []domain.Order
}

func (v View) Find(id string) (domain.Order, bool) {
	for _, o := range v.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Order{}, false
}

// Notification is what subscribers receive after each mutation.
type Notification struct {
	Source  Source
	Changes []Change
	View    View
}
