package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/ordersync/internal/domain"
)

func TestDecodeOrderCreated(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"order_created","payload":{"id":42,"method":"card","bank":"X","number":"2200 1234","amount":"1500.50","status":"Pending","created_at":"2026-03-01T12:00:00","expires_at":"2026-03-01T12:20:00Z"}}`))
	require.NoError(t, err)
	require.Equal(t, KindOrderCreated, evt.Kind)
	require.True(t, evt.Known())

	created, ok := evt.Payload.(OrderCreated)
	require.True(t, ok)
	o := created.Order
	assert.Equal(t, "42", o.ID)
	assert.Equal(t, "card", o.Method)
	assert.Equal(t, "X", o.Bank)
	assert.Equal(t, domain.StatusCreated, o.Status)
	assert.Equal(t, "1500.5", o.Amount.String())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), o.CreatedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC), o.ExpiresAt)
}

func TestDecodeOrderUpdatedPartial(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"order_updated","payload":{"id":"a1","status":"completed"}}`))
	require.NoError(t, err)

	upd, ok := evt.Payload.(OrderUpdated)
	require.True(t, ok)
	assert.Equal(t, "a1", upd.Patch.ID)
	assert.Equal(t, domain.StatusCompleted, upd.Patch.Status)
	assert.Empty(t, upd.Patch.Bank)
	assert.False(t, upd.Patch.Amount.Valid)
}

func TestDecodeOrderDeleted(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"order_deleted","payload":{"id":"a1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OrderDeleted{ID: "a1"}, evt.Payload)

	evt, err = Decode([]byte(`{"type":"order_deleted","payload":{"id":" a1 "}}`))
	require.NoError(t, err)
	assert.Equal(t, OrderDeleted{ID: "a1"}, evt.Payload, "ids are trimmed like created/updated")
}

func TestDecodeOrdersSnapshotShapes(t *testing.T) {
	frames := []string{
		`{"type":"orders_update","orders":[{"id":1,"status":"processing"},{"id":2}]}`,
		`{"type":"orders_update","payload":[{"id":1,"status":"processing"},{"id":2}]}`,
		`{"type":"orders_update","payload":{"orders":[{"id":1,"status":"processing"},{"id":2}]}}`,
	}
	for _, f := range frames {
		evt, err := Decode([]byte(f))
		require.NoError(t, err, f)
		snap, ok := evt.Payload.(OrdersSnapshot)
		require.True(t, ok, f)
		require.Len(t, snap.Orders, 2, f)
		assert.Equal(t, "1", snap.Orders[0].ID)
		assert.Equal(t, domain.StatusProcessing, snap.Orders[0].Status)
	}

	evt, err := Decode([]byte(`{"type":"orders_update","orders":[]}`))
	require.NoError(t, err)
	assert.Empty(t, evt.Payload.(OrdersSnapshot).Orders)
}

func TestDecodeServerError(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"error","message":"db unavailable"}`))
	require.NoError(t, err)
	assert.Equal(t, ServerError{Message: "db unavailable"}, evt.Payload)

	evt, err = Decode([]byte(`{"type":"error","payload":{"message":"boom"}}`))
	require.NoError(t, err)
	assert.Equal(t, ServerError{Message: "boom"}, evt.Payload)
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"order_archived","payload":{"id":"a1"}}`))
	require.NoError(t, err)
	assert.Equal(t, Kind("order_archived"), evt.Kind)
	assert.False(t, evt.Known())
	assert.Nil(t, evt.Payload)
}

func TestDecodeKeepAlive(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.True(t, evt.KeepAlive())
	assert.False(t, evt.Known())
}

func TestDecodeMalformed(t *testing.T) {
	for _, f := range []string{
		`not json`,
		`[1,2,3]`,
		`{"payload":{}}`,
		`{"type":"order_created"}`,
		`{"type":"order_created","payload":"oops"}`,
	} {
		_, err := Decode([]byte(f))
		require.ErrorIs(t, err, ErrMalformed, f)
	}
}

func TestEncodePing(t *testing.T) {
	data, err := Encode(KindPing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := Encode(KindOrderCreated, ToWire(domain.Order{ID: "a1", Bank: "X", Status: domain.StatusCreated, CreatedAt: created}))
	require.NoError(t, err)

	evt, err := Decode(data)
	require.NoError(t, err)
	o := evt.Payload.(OrderCreated).Order
	assert.Equal(t, "a1", o.ID)
	assert.Equal(t, created, o.CreatedAt)
	assert.True(t, o.ExpiresAt.IsZero())
}

func TestFlexTimeFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		`"2026-03-01T12:00:00Z"`,
		`"2026-03-01T15:00:00+03:00"`,
		`"2026-03-01T12:00:00"`,
		`"2026-03-01 12:00:00"`,
		`1772366400`,
	} {
		var ft FlexTime
		require.NoError(t, ft.UnmarshalJSON([]byte(raw)), raw)
		assert.True(t, want.Equal(time.Time(ft)), "%s -> %v", raw, time.Time(ft))
	}

	var ft FlexTime
	require.NoError(t, ft.UnmarshalJSON([]byte(`"yesterday"`)))
	assert.True(t, time.Time(ft).IsZero())
}
