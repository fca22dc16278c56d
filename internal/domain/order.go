package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

var ErrEmptyID = errors.New("order id is empty")

// Order is one payment-matching transaction assigned to the trader.
type Order struct {
	ID       string
	Method   string // payment method, e.g. "card", "sbp"
	Bank     string
	Number   string // requisite number shown to the payer
	Amount   decimal.Decimal
	Currency string
	Status   Status

	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrEmptyID
	}
	return nil
}

func (o Order) IsTerminal() bool { return o.Status.IsTerminal() }

// Normalize fills the defaults for fields the backend may omit:
// status defaults to created, a missing creation time becomes now, and a
// missing expiry is derived as CreatedAt + window.
func Normalize(o Order, now time.Time, window time.Duration) Order {
	o.ID = strings.TrimSpace(o.ID)
	o.Method = cleanText(o.Method)
	o.Bank = cleanText(o.Bank)
	o.Number = strings.TrimSpace(o.Number)
	o.Currency = strings.ToUpper(strings.TrimSpace(o.Currency))
	if o.Status == "" {
		o.Status = StatusCreated
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.ExpiresAt.IsZero() && window > 0 {
		o.ExpiresAt = o.CreatedAt.Add(window)
	}
	return o
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Patch is a partial update. Zero-valued fields are absent.
type Patch struct {
	ID        string
	Status    Status
	Method    string
	Bank      string
	Number    string
	Amount    decimal.NullDecimal
	Currency  string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// PatchFrom turns a full order observation (a snapshot row) into a patch.
// CreatedAt is not carried: it is fixed at first observation.
func PatchFrom(o Order) Patch {
	p := Patch{
		ID:        o.ID,
		Status:    o.Status,
		Method:    o.Method,
		Bank:      o.Bank,
		Number:    o.Number,
		Currency:  o.Currency,
		ExpiresAt: o.ExpiresAt,
		UpdatedAt: o.UpdatedAt,
	}
	if !o.Amount.IsZero() {
		p.Amount = decimal.NullDecimal{Decimal: o.Amount, Valid: true}
	}
	return p
}

// Apply merges p into o and reports whether anything changed.
// The status only moves forward; a terminal status is never replaced.
func (o *Order) Apply(p Patch) bool {
	changed := false

	if o.Status.CanAdvanceTo(p.Status) {
		o.Status = p.Status
		changed = true
	}
	changed = setText(&o.Method, cleanText(p.Method)) || changed
	changed = setText(&o.Bank, cleanText(p.Bank)) || changed
	changed = setText(&o.Number, strings.TrimSpace(p.Number)) || changed
	changed = setText(&o.Currency, strings.ToUpper(strings.TrimSpace(p.Currency))) || changed

	if p.Amount.Valid && !p.Amount.Decimal.Equal(o.Amount) {
		o.Amount = p.Amount.Decimal
		changed = true
	}
	if !p.ExpiresAt.IsZero() && !p.ExpiresAt.Equal(o.ExpiresAt) {
		o.ExpiresAt = p.ExpiresAt
		changed = true
	}
	if changed && p.UpdatedAt.After(o.UpdatedAt) {
		o.UpdatedAt = p.UpdatedAt
	}
	return changed
}

func setText(dst *string, v string) bool {
	if v == "" || v == *dst {
		return false
	}
	*dst = v
	return true
}

// Urgency buckets the time left before an order expires.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
)

const (
	warningAfter  = 15 * time.Minute
	criticalAfter = 5 * time.Minute
)

// Remaining is the time left until ExpiresAt, never negative.
func (o Order) Remaining(now time.Time) time.Duration {
	if o.ExpiresAt.IsZero() {
		return 0
	}
	if d := o.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (o Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

func (o Order) Urgency(now time.Time) Urgency {
	left := o.Remaining(now)
	switch {
	case left < criticalAfter:
		return UrgencyCritical
	case left < warningAfter:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}
