package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charleschow/ordersync/internal/domain"
)

// WireOrder is the JSON shape of an order on both the push and the pull
// transport. The backend is inconsistent about ids (int or string) and
// timestamp formats, so both are decoded leniently.
type WireOrder struct {
	ID             FlexString          `json:"id"`
	Method         string              `json:"method,omitempty"`
	Bank           string              `json:"bank,omitempty"`
	Number         string              `json:"number,omitempty"`
	Amount         decimal.NullDecimal `json:"amount"`
	AmountCurrency decimal.NullDecimal `json:"amount_currency,omitempty"`
	Currency       string              `json:"currency,omitempty"`
	Status         string              `json:"status,omitempty"`
	CreatedAt      FlexTime            `json:"created_at"`
	ExpiresAt      FlexTime            `json:"expires_at"`
	UpdatedAt      FlexTime            `json:"updated_at"`

	// camelCase spellings used by the older socket payloads
	CreatedAtAlt FlexTime `json:"createdAt"`
	ExpiresAtAlt FlexTime `json:"expiresAt"`
}

// Order converts the wire row into a domain order. Defaults are not
// applied here; see domain.Normalize.
func (w WireOrder) Order() domain.Order {
	o := domain.Order{
		ID:        strings.TrimSpace(string(w.ID)),
		Method:    w.Method,
		Bank:      w.Bank,
		Number:    w.Number,
		Currency:  w.Currency,
		Status:    domain.ParseStatus(w.Status),
		CreatedAt: firstTime(w.CreatedAt, w.CreatedAtAlt),
		ExpiresAt: firstTime(w.ExpiresAt, w.ExpiresAtAlt),
		UpdatedAt: time.Time(w.UpdatedAt),
	}
	switch {
	case w.Amount.Valid:
		o.Amount = w.Amount.Decimal
	case w.AmountCurrency.Valid:
		o.Amount = w.AmountCurrency.Decimal
	}
	return o
}

// Patch converts the wire row into a partial update.
func (w WireOrder) Patch() domain.Patch {
	p := domain.Patch{
		ID:        strings.TrimSpace(string(w.ID)),
		Status:    domain.ParseStatus(w.Status),
		Method:    w.Method,
		Bank:      w.Bank,
		Number:    w.Number,
		Currency:  w.Currency,
		ExpiresAt: firstTime(w.ExpiresAt, w.ExpiresAtAlt),
		UpdatedAt: time.Time(w.UpdatedAt),
	}
	switch {
	case w.Amount.Valid:
		p.Amount = w.Amount
	case w.AmountCurrency.Valid:
		p.Amount = w.AmountCurrency
	}
	return p
}

// ToWire is the inverse of WireOrder.Order, used when re-serving state.
func ToWire(o domain.Order) WireOrder {
	w := WireOrder{
		ID:        FlexString(o.ID),
		Method:    o.Method,
		Bank:      o.Bank,
		Number:    o.Number,
		Currency:  o.Currency,
		Status:    string(o.Status),
		CreatedAt: FlexTime(o.CreatedAt),
		ExpiresAt: FlexTime(o.ExpiresAt),
		UpdatedAt: FlexTime(o.UpdatedAt),
	}
	if !o.Amount.IsZero() {
		w.Amount = decimal.NewNullDecimal(o.Amount)
	}
	return w
}

func firstTime(ts ...FlexTime) time.Time {
	for _, t := range ts {
		if !time.Time(t).IsZero() {
			return time.Time(t)
		}
	}
	return time.Time{}
}

// FlexString accepts a JSON string or number.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

// FlexTime accepts RFC 3339, naive ISO timestamps (taken as UTC) and unix
// seconds. Unparseable values decode to the zero time.
type FlexTime time.Time

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = FlexTime{}
		return nil
	}
	if data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			*t = FlexTime{}
			return nil
		}
		whole := int64(secs)
		*t = FlexTime(time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC())
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = FlexTime(parseTime(raw))
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
