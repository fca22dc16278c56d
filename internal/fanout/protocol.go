package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/events"
)

type MsgType string

const (
	// server -> desk
	MsgOrdersState      MsgType = "orders_state"
	MsgConnectionStatus MsgType = "connection_status"
	MsgAck              MsgType = "ack"

	// desk -> server
	MsgCancel  MsgType = "cancel"
	MsgConfirm MsgType = "confirm"
	MsgRefresh MsgType = "refresh"
)

// Envelope is the wire format on the desk WebSocket.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OrderView is an order as rendered by desk clients.
type OrderView struct {
	ID           string         `json:"id"`
	Method       string         `json:"method,omitempty"`
	Bank         string         `json:"bank,omitempty"`
	Number       string         `json:"number,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Status       domain.Status  `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	RemainingSec int64          `json:"remaining_sec"`
	Urgency      domain.Urgency `json:"urgency"`
}

func NewOrderView(o domain.Order, now time.Time) OrderView {
	v := OrderView{
		ID:           o.ID,
		Method:       o.Method,
		Bank:         o.Bank,
		Number:       o.Number,
		Currency:     o.Currency,
		Status:       o.Status,
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
		RemainingSec: int64(o.Remaining(now) / time.Second),
		Urgency:      o.Urgency(now),
	}
	if !o.Amount.IsZero() {
		v.Amount = o.Amount.String()
	}
	return v
}

type OrdersState struct {
	Version uint64             `json:"version"`
	Source  reconcile.Source   `json:"source,omitempty"`
	Orders  []OrderView        `json:"orders"`
	Changes []reconcile.Change `json:"changes,omitempty"`
}

// NewOrdersState renders a view. changes and src are empty for the
// baseline sent on connect.
func NewOrdersState(v reconcile.View, src reconcile.Source, changes []reconcile.Change, now time.Time) OrdersState {
	st := OrdersState{
		Version: v.Version,
		Source:  src,
		Orders:  make([]OrderView, 0, len(v.Orders)),
		Changes: changes,
	}
	for _, o := range v.Orders {
		st.Orders = append(st.Orders, NewOrderView(o, now))
	}
	return st
}

type ConnectionStatus struct {
	Status      events.ConnState `json:"status"`
	PollError   string           `json:"poll_error,omitempty"`
	ServerError string           `json:"server_error,omitempty"`
}

// Command is the payload of cancel and confirm requests. Refresh carries
// no id.
type Command struct {
	ID string `json:"id,omitempty"`
}

// Ack answers a desk command.
type Ack struct {
	Command MsgType `json:"command"`
	ID      string  `json:"id,omitempty"`
	OK      bool    `json:"ok"`
	Error   string  `json:"error,omitempty"`
}

func Marshal(t MsgType, payload any, now time.Time) ([]byte, error) {
	env := Envelope{Type: t, Timestamp: now}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("unmarshal envelope: missing type")
	}
	return env, nil
}

// Decode unmarshals the payload into v; an empty payload leaves v zero.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
