package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/ordersync/internal/adapters/outbound/orders_http"
	"github.com/charleschow/ordersync/internal/clock"
	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/events"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu          sync.Mutex
	state       events.ConnState
	connects    int
	disconnects int
	handlers    []func(events.Event)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: events.ConnDisconnected}
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = events.ConnDisconnected
}

func (f *fakeTransport) Status() events.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s events.ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(h func(events.Event)) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) LastServerError() string { return "" }

func (f *fakeTransport) emit(evt events.Event) {
	f.mu.Lock()
	hs := append([]func(events.Event){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

type fakeAPI struct {
	listCalls  atomic.Int32
	mu         sync.Mutex
	orders     []domain.Order
	profile    orders_http.Profile
	profileErr error
	actionErr  error
	cancelled  []string
	confirmed  []string
	online     []bool
}

func (f *fakeAPI) ListOrders(context.Context) ([]domain.Order, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Order(nil), f.orders...), nil
}

func (f *fakeAPI) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAPI) ConfirmOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeAPI) SetOnlineStatus(_ context.Context, _ string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.online = append(f.online, online)
	return nil
}

func (f *fakeAPI) Profile(context.Context) (orders_http.Profile, error) {
	return f.profile, f.profileErr
}

func newTestSession(t *testing.T, api *fakeAPI) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s := New(Config{
		TraderID:            "t1",
		StatusCheckInterval: 5 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		Clock:               clock.NewManual(t0),
	}, tr, api)
	t.Cleanup(s.Stop)
	return s, tr
}

func TestStartLoadsInitialListAndConnects(t *testing.T) {
	api := &fakeAPI{
		orders:  []domain.Order{{ID: "a1", CreatedAt: t0}},
		profile: orders_http.Profile{PayIn: true},
	}
	s, tr := newTestSession(t, api)

	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.Orders(), 1)
	connects, _ := tr.counts()
	assert.Equal(t, 1, connects)
	assert.True(t, s.Accepting())

	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestStartConnectsWhenProfileFails(t *testing.T) {
	api := &fakeAPI{profileErr: errors.New("503")}
	s, tr := newTestSession(t, api)

	require.NoError(t, s.Start(context.Background()))
	connects, _ := tr.counts()
	assert.Equal(t, 1, connects)
}

func TestStartStaysOfflineWhenNotAccepting(t *testing.T) {
	api := &fakeAPI{profile: orders_http.Profile{PayIn: false}}
	s, tr := newTestSession(t, api)

	require.NoError(t, s.Start(context.Background()))
	connects, _ := tr.counts()
	assert.Zero(t, connects)
	assert.False(t, s.Accepting())
}

func TestPollerFollowsConnectionState(t *testing.T) {
	api := &fakeAPI{profile: orders_http.Profile{PayIn: true}}
	s, tr := newTestSession(t, api)
	require.NoError(t, s.Start(context.Background()))

	// disconnected: the fallback poller runs
	require.Eventually(t, func() bool { return api.listCalls.Load() >= 3 }, time.Second, time.Millisecond)

	tr.setState(events.ConnConnected)
	require.Eventually(t, func() bool { return !s.poller.Running() }, time.Second, time.Millisecond)
	settled := api.listCalls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, settled, api.listCalls.Load())

	tr.setState(events.ConnFailed)
	require.Eventually(t, func() bool { return s.poller.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, events.ConnFailed, s.Status())
}

func TestPushEventsReachSubscribers(t *testing.T) {
	api := &fakeAPI{profile: orders_http.Profile{PayIn: true}}
	s, tr := newTestSession(t, api)
	tr.setState(events.ConnConnected)
	require.NoError(t, s.Start(context.Background()))

	var mu sync.Mutex
	var got []reconcile.Notification
	s.Subscribe(func(n reconcile.Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	tr.emit(events.Event{Kind: events.KindOrderCreated, Payload: events.OrderCreated{Order: domain.Order{ID: "a1"}}})
	tr.emit(events.Event{Kind: events.KindOrdersSnapshot, Payload: events.OrdersSnapshot{Orders: []domain.Order{{ID: "a1"}, {ID: "b2"}}}})
	tr.emit(events.Event{Kind: events.KindError, Payload: events.ServerError{Message: "x"}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, reconcile.SourcePush, got[1].Source)
	_, ok := s.Order("b2")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(reconcile.DefaultExpiryWindow), s.Orders()[0].ExpiresAt)
}

func TestActionsRefreshWhenOffline(t *testing.T) {
	api := &fakeAPI{profile: orders_http.Profile{PayIn: false}}
	s, _ := newTestSession(t, api)

	before := api.listCalls.Load()
	require.NoError(t, s.Cancel(context.Background(), "a1"))
	require.NoError(t, s.Confirm(context.Background(), "b2"))
	assert.GreaterOrEqual(t, api.listCalls.Load(), before+2)
	assert.Equal(t, []string{"a1"}, api.cancelled)
	assert.Equal(t, []string{"b2"}, api.confirmed)
}

func TestActionsSkipRefreshWhenLive(t *testing.T) {
	api := &fakeAPI{}
	s, tr := newTestSession(t, api)
	tr.setState(events.ConnConnected)

	require.NoError(t, s.Confirm(context.Background(), "a1"))
	assert.Zero(t, api.listCalls.Load())
}

func TestActionErrorPropagates(t *testing.T) {
	api := &fakeAPI{actionErr: orders_http.ErrNotFound}
	s, _ := newTestSession(t, api)

	assert.ErrorIs(t, s.Cancel(context.Background(), "gone"), orders_http.ErrNotFound)
	assert.Zero(t, api.listCalls.Load())
}

func TestSetAccepting(t *testing.T) {
	api := &fakeAPI{}
	s, tr := newTestSession(t, api)

	require.NoError(t, s.SetAccepting(context.Background(), false))
	_, disconnects := tr.counts()
	assert.Equal(t, 1, disconnects)
	assert.False(t, s.Accepting())

	require.NoError(t, s.SetAccepting(context.Background(), true))
	connects, _ := tr.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, []bool{false, true}, api.online)

	api.actionErr = errors.New("denied")
	assert.Error(t, s.SetAccepting(context.Background(), false))
	assert.True(t, s.Accepting(), "failed toggle leaves state alone")
}

func TestRefreshAppliesAsPoll(t *testing.T) {
	api := &fakeAPI{orders: []domain.Order{{ID: "a1"}}}
	s, _ := newTestSession(t, api)

	var src reconcile.Source
	s.Subscribe(func(n reconcile.Notification) { src = n.Source })
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, reconcile.SourcePoll, src)
	assert.NoError(t, s.LastPollError())
}

func TestRefreshWhilePollerToggles(t *testing.T) {
	api := &fakeAPI{profile: orders_http.Profile{PayIn: true}, orders: []domain.Order{{ID: "a1"}}}
	s, tr := newTestSession(t, api)
	require.NoError(t, s.Start(context.Background()))

	var reads atomic.Int32
	s.Subscribe(func(reconcile.Notification) {
		s.View()
		reads.Add(1)
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 20; i++ {
			s.Refresh(context.Background())
		}
	}()
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			tr.setState(events.ConnConnected)
		} else {
			tr.setState(events.ConnDisconnected)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete while the poller was toggled")
	}
	_, ok := s.Order("a1")
	assert.True(t, ok)
}
