package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/fanout"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ordersync", cmd.Use)
	assert.Contains(t, cmd.Long, "polling")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "snapshot", "watch", "ping", "journal"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	level := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, level)
	assert.Equal(t, "", level.DefValue)
}

func TestSubcommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("desk-port"))
	assert.NotNil(t, run.Flags().Lookup("journal"))

	watch, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)
	addr := watch.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "localhost:8090", addr.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	t.Setenv("TRADER_TOKEN", "tok")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"snapshot", "--format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func ordersAPI(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const snapshotBody = `[
	{"id":"b2","status":"processing","amount":"1500.5","currency":"rub","bank":"Tinkoff","created_at":"2026-03-01T12:05:00Z"},
	{"id":"a1","status":"created","amount":"250","currency":"RUB","created_at":"2026-03-01T12:00:00Z"},
	{"id":"c3","status":"completed","created_at":"2026-03-01T11:00:00Z"}
]`

func TestSnapshotJSON(t *testing.T) {
	srv := ordersAPI(t, snapshotBody)
	t.Setenv("ORDERS_API_URL", srv.URL)
	t.Setenv("TRADER_TOKEN", "tok")

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"snapshot", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var views []fanout.OrderView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 2, "terminal orders are not shown")
	assert.Equal(t, "a1", views[0].ID)
	assert.Equal(t, "b2", views[1].ID)
	assert.Equal(t, "RUB", views[1].Currency)
	assert.Equal(t, "1500.5", views[1].Amount)
	assert.Equal(t, domain.StatusProcessing, views[1].Status)
}

func TestSnapshotText(t *testing.T) {
	srv := ordersAPI(t, snapshotBody)
	t.Setenv("ORDERS_API_URL", srv.URL)
	t.Setenv("TRADER_TOKEN", "tok")

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"snapshot"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "STATUS")
	assert.Contains(t, text, "a1")
	assert.Contains(t, text, "1,500.5 RUB")
	assert.NotContains(t, text, "c3")
}

func TestSnapshotUnauthorized(t *testing.T) {
	srv := ordersAPI(t, `[]`)
	t.Setenv("ORDERS_API_URL", srv.URL)
	t.Setenv("TRADER_TOKEN", "wrong")

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"snapshot"})
	assert.Error(t, cmd.Execute())
}

func TestRenderOrdersEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderOrders(&buf, "text", nil, time.Now()))
	assert.Equal(t, "no active orders\n", buf.String())

	buf.Reset()
	require.NoError(t, renderOrders(&buf, "json", nil, time.Now()))
	assert.Equal(t, "[]\n", buf.String())
}

func TestRenderOrdersRelativeTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := []fanout.OrderView{{
		ID:        "a1",
		Status:    domain.StatusCreated,
		CreatedAt: now.Add(-3 * time.Minute),
		ExpiresAt: now.Add(12 * time.Minute),
		Urgency:   domain.UrgencyWarning,
	}}

	var buf bytes.Buffer
	require.NoError(t, renderOrders(&buf, "text", orders, now))
	text := buf.String()
	assert.Contains(t, text, "3 minutes ago")
	assert.Contains(t, text, "12 minutes from now")
	assert.Contains(t, text, "warning")
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "-", formatAmount("", "RUB"))
	assert.Equal(t, "12,345.67 USD", formatAmount("12345.67", "USD"))
	assert.Equal(t, "1,000", formatAmount("1000", ""))
	assert.Equal(t, "abc", formatAmount("abc", ""))
}

func TestWatchPrinterText(t *testing.T) {
	var buf bytes.Buffer
	w := watchPrinter(&buf, "text")

	w.OnStatus(fanout.ConnectionStatus{Status: "connected"})
	w.OnAck(fanout.Ack{Command: fanout.MsgCancel, ID: "a1", OK: true})
	w.OnAck(fanout.Ack{Command: fanout.MsgConfirm, ID: "b2", Error: "not found"})

	text := buf.String()
	assert.Contains(t, text, "connection: connected")
	assert.Contains(t, text, "cancel a1: ok")
	assert.Contains(t, text, "confirm b2: not found")
}
