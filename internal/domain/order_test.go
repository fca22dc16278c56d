package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"Pending":              StatusCreated,
		" created ":            StatusCreated,
		"Processing":           StatusProcessing,
		"Completed":            StatusCompleted,
		"Canceled":             StatusCancelled,
		"cancelled":            StatusCancelled,
		"Waiting Confirmation": Status("waiting_confirmation"),
		"":                     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseStatus(in), "input %q", in)
	}
}

func TestStatusCanAdvanceTo(t *testing.T) {
	assert.True(t, StatusCreated.CanAdvanceTo(StatusProcessing))
	assert.True(t, StatusCreated.CanAdvanceTo(StatusCancelled))
	assert.True(t, StatusProcessing.CanAdvanceTo(StatusCompleted))
	assert.True(t, StatusProcessing.CanAdvanceTo(Status("arbitrage")))

	assert.False(t, StatusProcessing.CanAdvanceTo(StatusCreated), "never moves backwards")
	assert.False(t, StatusCompleted.CanAdvanceTo(StatusProcessing), "terminal is sticky")
	assert.False(t, StatusCompleted.CanAdvanceTo(StatusCancelled), "terminal is sticky")
	assert.False(t, StatusCreated.CanAdvanceTo(""))
	assert.False(t, StatusCreated.CanAdvanceTo(StatusCreated))
}

func TestNormalizeDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	o := Normalize(Order{ID: " a1 ", Bank: "  Tinkoff   Bank "}, now, 15*time.Minute)
	assert.Equal(t, "a1", o.ID)
	assert.Equal(t, "Tinkoff Bank", o.Bank)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, now, o.CreatedAt)
	assert.Equal(t, now.Add(15*time.Minute), o.ExpiresAt)

	supplied := now.Add(time.Hour)
	o = Normalize(Order{ID: "a2", CreatedAt: now.Add(-time.Minute), ExpiresAt: supplied}, now, 15*time.Minute)
	assert.Equal(t, supplied, o.ExpiresAt, "supplied expiry wins")
}

func TestOrderApply(t *testing.T) {
	o := Order{ID: "a1", Status: StatusCreated, Bank: "X"}

	changed := o.Apply(Patch{ID: "a1", Status: StatusProcessing, Number: "4276 0000"})
	require.True(t, changed)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, "4276 0000", o.Number)
	assert.Equal(t, "X", o.Bank, "absent fields are kept")

	assert.False(t, o.Apply(Patch{ID: "a1", Status: StatusProcessing}), "same values are a no-op")

	o.Apply(Patch{ID: "a1", Status: StatusCompleted, Amount: decimal.NewNullDecimal(decimal.RequireFromString("1500.50"))})
	assert.Equal(t, StatusCompleted, o.Status)
	assert.True(t, o.Amount.Equal(decimal.RequireFromString("1500.5")))

	changed = o.Apply(Patch{ID: "a1", Status: StatusProcessing, Bank: "Y"})
	assert.True(t, changed, "bank still merges")
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, "Y", o.Bank)
}

func TestPatchFromSkipsZeroAmount(t *testing.T) {
	p := PatchFrom(Order{ID: "a1", Status: StatusCreated})
	assert.False(t, p.Amount.Valid)

	p = PatchFrom(Order{ID: "a1", Amount: decimal.NewFromInt(10)})
	assert.True(t, p.Amount.Valid)
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Order{ID: "  "}.Validate(), ErrEmptyID)
	require.NoError(t, Order{ID: "7"}.Validate())
}

func TestUrgency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := Order{ID: "a1", ExpiresAt: now.Add(20 * time.Minute)}

	assert.Equal(t, 20*time.Minute, o.Remaining(now))
	assert.Equal(t, UrgencyNormal, o.Urgency(now))
	assert.Equal(t, UrgencyWarning, o.Urgency(now.Add(10*time.Minute)))
	assert.Equal(t, UrgencyCritical, o.Urgency(now.Add(16*time.Minute)))

	assert.False(t, o.Expired(now))
	assert.True(t, o.Expired(now.Add(20*time.Minute)))
	assert.Equal(t, time.Duration(0), o.Remaining(now.Add(time.Hour)))
}
