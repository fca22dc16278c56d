package orders_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/events"
	"github.com/charleschow/ordersync/internal/telemetry"
)

// ListOrders fetches every page of the trader's orders, stopping at the
// first short page. Concurrent callers share one in-flight request.
//
// The result is treated downstream as the complete remote set, so a list
// longer than maxPages pages fails with ErrTruncated instead of returning
// a partial one.
func (c *Client) ListOrders(ctx context.Context) ([]domain.Order, error) {
	v, err, shared := c.fetches.Do("orders", func() (any, error) {
		return c.listAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		telemetry.Debugf("orders_http: list orders coalesced")
	}
	// each caller gets its own slice
	orders := v.([]domain.Order)
	return append([]domain.Order(nil), orders...), nil
}

func (c *Client) listAll(ctx context.Context) ([]domain.Order, error) {
	all := []domain.Order{}
	for page := 0; page < maxPages; page++ {
		path := fmt.Sprintf("/api/v1/trader_orders/?skip=%d&limit=%d", page*c.pageLimit, c.pageLimit)
		body, err := c.call(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		orders, err := decodeList(body)
		if err != nil {
			return nil, fmt.Errorf("decode orders: %w", err)
		}
		all = append(all, orders...)
		if len(orders) < c.pageLimit {
			return all, nil
		}
	}
	return nil, fmt.Errorf("list orders: %w (%d x %d)", ErrTruncated, maxPages, c.pageLimit)
}

// decodeList accepts a bare array or an object carrying "orders".
func decodeList(body []byte) ([]domain.Order, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var wrapped struct {
			Orders json.RawMessage `json:"orders"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		body = wrapped.Orders
	}
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return []domain.Order{}, nil
	}
	return events.DecodeOrders(body)
}

// CancelOrder asks the server to cancel the order.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.action(ctx, "cancel", id, http.MethodDelete, nil)
}

// ConfirmOrder marks the order completed.
func (c *Client) ConfirmOrder(ctx context.Context, id string) error {
	return c.action(ctx, "confirm", id, http.MethodPut, map[string]domain.Status{"status": domain.StatusCompleted})
}

func (c *Client) action(ctx context.Context, name, id, method string, body any) error {
	if id == "" {
		return domain.ErrEmptyID
	}
	start := time.Now()
	_, err := c.call(ctx, method, "/api/v1/trader_orders/"+url.PathEscape(id), body)
	telemetry.Metrics.ActionLatency.Since(start)
	if err != nil {
		telemetry.Metrics.ActionErrors.Inc()
		return fmt.Errorf("%s order %s: %w", name, id, err)
	}
	telemetry.Infof("orders_http: %s order %s ok", name, id)
	return nil
}

// SetOnlineStatus toggles whether the trader accepts new orders.
func (c *Client) SetOnlineStatus(ctx context.Context, traderID string, online bool) error {
	path := fmt.Sprintf("/api/v1/traders/%s/toggle-online-status", url.PathEscape(traderID))
	if _, err := c.call(ctx, http.MethodPost, path, online); err != nil {
		return fmt.Errorf("toggle online status: %w", err)
	}
	return nil
}

type Profile struct {
	ID    events.FlexString `json:"id"`
	PayIn bool              `json:"pay_in"`
}

// Profile returns the authenticated trader's profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/traders/profile", nil)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}
