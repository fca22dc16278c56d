package session

import (
	"context"

	"github.com/charleschow/ordersync/internal/adapters/outbound/orders_http"
	"github.com/charleschow/ordersync/internal/core/poller"
	"github.com/charleschow/ordersync/internal/events"
)

// Transport is the push channel. Satisfied by *orders_ws.Client.
type Transport interface {
	Connect()
	Disconnect()
	Status() events.ConnState
	Subscribe(h func(events.Event)) (unsubscribe func())
	LastServerError() string
}

// OrdersAPI is the pull and action side of the backend.
// Satisfied by *orders_http.Client.
type OrdersAPI interface {
	poller.Fetcher
	CancelOrder(ctx context.Context, id string) error
	ConfirmOrder(ctx context.Context, id string) error
	SetOnlineStatus(ctx context.Context, traderID string, online bool) error
	Profile(ctx context.Context) (orders_http.Profile, error)
}
