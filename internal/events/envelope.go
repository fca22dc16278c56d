package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charleschow/ordersync/internal/domain"
)

// Kind is the `type` tag of an inbound frame.
type Kind string

const (
	KindOrderCreated   Kind = "order_created"
	KindOrderUpdated   Kind = "order_updated"
	KindOrderDeleted   Kind = "order_deleted"
	KindOrdersSnapshot Kind = "orders_update" // full list pushed by the server
	KindError          Kind = "error"

	// Keep-alive frames are consumed by the transport.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

var ErrMalformed = errors.New("malformed frame")

// Envelope is the wire format of every push frame: {type, payload}.
// The legacy full-list frame carries its rows under "orders" and server
// errors carry a top-level "message".
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Orders  json.RawMessage `json:"orders,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Event is a decoded frame. Payload holds one of OrderCreated,
// OrderUpdated, OrderDeleted, OrdersSnapshot or ServerError; it is nil for
// keep-alives and for kinds this client does not know.
type Event struct {
	Kind     Kind
	Received time.Time
	Payload  any
}

type OrderCreated struct {
	Order domain.Order
}

type OrderUpdated struct {
	Patch domain.Patch
}

type OrderDeleted struct {
	ID string
}

type OrdersSnapshot struct {
	Orders []domain.Order
}

type ServerError struct {
	Message string
}

// KeepAlive reports whether the frame is a transport-level ping or pong.
func (e Event) KeepAlive() bool {
	return e.Kind == KindPing || e.Kind == KindPong
}

// Known reports whether the kind carries a payload this client acts on.
// Unknown kinds are not errors: newer servers may add them.
func (e Event) Known() bool {
	return e.Payload != nil
}

// Decode parses one inbound frame. Only frames that are not JSON objects
// or lack a type are errors (wrapping ErrMalformed).
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	evt := Event{Kind: Kind(env.Type), Received: time.Now()}

	switch evt.Kind {
	case KindOrderCreated:
		var w WireOrder
		if err := decodePayload(env.Payload, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		evt.Payload = OrderCreated{Order: w.Order()}
	case KindOrderUpdated:
		var w WireOrder
		if err := decodePayload(env.Payload, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		evt.Payload = OrderUpdated{Patch: w.Patch()}
	case KindOrderDeleted:
		var w struct {
			ID FlexString `json:"id"`
		}
		if err := decodePayload(env.Payload, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		evt.Payload = OrderDeleted{ID: strings.TrimSpace(string(w.ID))}
	case KindOrdersSnapshot:
		rows, err := decodeRows(env)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		evt.Payload = OrdersSnapshot{Orders: rows}
	case KindError:
		evt.Payload = ServerError{Message: errorMessage(env)}
	}

	return evt, nil
}

// DecodeOrders parses a bare JSON array of orders, the pull endpoint's body.
func DecodeOrders(data []byte) ([]domain.Order, error) {
	var rows []WireOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(rows))
	for _, w := range rows {
		out = append(out, w.Order())
	}
	return out, nil
}

// Encode builds an outbound frame. A nil payload omits the field, which
// gives the keep-alive frame its canonical {"type":"ping"} form.
func Encode(kind Kind, payload any) ([]byte, error) {
	env := Envelope{Type: string(kind)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// decodeRows accepts {"orders":[...]}, {"payload":[...]} and
// {"payload":{"orders":[...]}}.
func decodeRows(env Envelope) ([]domain.Order, error) {
	raw := env.Orders
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = bytes.TrimSpace(env.Payload)
		if len(raw) > 0 && raw[0] == '{' {
			var inner struct {
				Orders json.RawMessage `json:"orders"`
			}
			if err := json.Unmarshal(raw, &inner); err != nil {
				return nil, err
			}
			raw = inner.Orders
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []domain.Order{}, nil
	}
	return DecodeOrders(raw)
}

func errorMessage(env Envelope) string {
	if env.Message != "" {
		return env.Message
	}
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
