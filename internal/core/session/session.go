package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charleschow/ordersync/internal/clock"
	"github.com/charleschow/ordersync/internal/core/poller"
	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/events"
	"github.com/charleschow/ordersync/internal/fanout"
	"github.com/charleschow/ordersync/internal/telemetry"
)

const DefaultStatusCheckInterval = time.Second

var ErrStarted = errors.New("session already started")

type Config struct {
	TraderID            string
	StatusCheckInterval time.Duration
	PollInterval        time.Duration
	MissThreshold       int
	ExpiryWindow        time.Duration
	Clock               clock.Clock
}

// Session wires the push transport and the fallback poller into one
// engine and exposes the consumer surface used by the desk server and the
// CLI.
type Session struct {
	cfg       Config
	transport Transport
	api       OrdersAPI
	engine    *reconcile.Engine
	hub       *fanout.Hub
	poller    *poller.Poller

	mu        sync.Mutex
	started   bool
	accepting bool
	cancel    context.CancelFunc
	done      chan struct{}
	unsub     func()
}

func New(cfg Config, transport Transport, api OrdersAPI) *Session {
	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = DefaultStatusCheckInterval
	}
	hub := fanout.NewHub()
	engine := reconcile.NewEngine(reconcile.Config{
		MissThreshold: cfg.MissThreshold,
		ExpiryWindow:  cfg.ExpiryWindow,
		Clock:         cfg.Clock,
	}, hub)

	return &Session{
		cfg:       cfg,
		transport: transport,
		api:       api,
		engine:    engine,
		hub:       hub,
		poller:    poller.New(api, engine, cfg.PollInterval),
	}
}

// Start loads the initial list, connects the push channel if the trader is
// accepting orders, and begins toggling the poller on connection state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.unsub = s.transport.Subscribe(s.handleEvent)
	s.mu.Unlock()

	accepting := true
	if p, err := s.api.Profile(ctx); err != nil {
		telemetry.Warnf("session: profile unavailable, connecting anyway: %v", err)
	} else {
		accepting = p.PayIn
	}

	if err := s.poller.FetchOnce(ctx); err != nil {
		telemetry.Warnf("session: initial fetch failed: %v", err)
	}

	s.mu.Lock()
	s.accepting = accepting
	mctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	if accepting {
		s.transport.Connect()
	} else {
		telemetry.Infof("session: trader is not accepting orders, push channel left closed")
	}

	go s.monitor(mctx, done)
	telemetry.Infof("session: started  orders=%d  accepting=%v", s.engine.Len(), accepting)
	return nil
}

// Stop halts the monitor, the poller and the transport. Safe to call more
// than once.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done, unsub := s.cancel, s.done, s.unsub
	s.cancel, s.done, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.poller.Stop()
	s.transport.Disconnect()
	if unsub != nil {
		unsub()
	}
}

// monitor samples the connection state and runs the poller only while the
// push channel is not connected. It is the only caller of poller Start and
// Stop, so Stop never runs on the poller's sink goroutine.
func (s *Session) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.StatusCheckInterval)
	defer ticker.Stop()

	s.syncPoller(ctx)
	for {
		select {
		case <-ticker.C:
			s.syncPoller(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) syncPoller(ctx context.Context) {
	live := s.transport.Status().Live()
	switch {
	case live && s.poller.Running():
		s.poller.Stop()
	case !live && !s.poller.Running():
		s.poller.Start(ctx)
	}
}

func (s *Session) handleEvent(evt events.Event) {
	switch p := evt.Payload.(type) {
	case events.OrdersSnapshot:
		s.engine.ApplySnapshot(reconcile.SourcePush, p.Orders)
	case events.ServerError:
		// logged and recorded by the transport
	default:
		s.engine.ApplyEvent(evt)
	}
}

// ── consumer surface ──────────────────────────────────────────────

func (s *Session) Subscribe(fn fanout.Handler) (unsubscribe func()) {
	return s.hub.Subscribe(fn)
}

func (s *Session) View() reconcile.View { return s.engine.View() }

func (s *Session) Orders() []domain.Order { return s.engine.View().Orders }

func (s *Session) Order(id string) (domain.Order, bool) { return s.engine.Get(id) }

func (s *Session) Status() events.ConnState { return s.transport.Status() }

func (s *Session) LastPollError() error { return s.poller.LastError() }

func (s *Session) LastServerError() string { return s.transport.LastServerError() }

func (s *Session) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Refresh pulls the full list now on the caller's goroutine. Subscribers
// must not call it from inside a notification.
func (s *Session) Refresh(ctx context.Context) error {
	return s.poller.FetchOnce(ctx)
}

// Reconnect restarts the push channel with a fresh attempt budget.
func (s *Session) Reconnect() {
	s.transport.Connect()
}

// Cancel asks the server to cancel the order. The local state changes only
// when the server echoes the change back.
func (s *Session) Cancel(ctx context.Context, id string) error {
	if err := s.api.CancelOrder(ctx, id); err != nil {
		return err
	}
	s.refreshIfOffline(ctx)
	return nil
}

// Confirm marks the order completed on the server.
func (s *Session) Confirm(ctx context.Context, id string) error {
	if err := s.api.ConfirmOrder(ctx, id); err != nil {
		return err
	}
	s.refreshIfOffline(ctx)
	return nil
}

// refreshIfOffline pulls after an action when no push echo will arrive.
func (s *Session) refreshIfOffline(ctx context.Context) {
	if s.transport.Status().Live() {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		telemetry.Warnf("session: refresh after action failed: %v", err)
	}
}

// SetAccepting toggles order acceptance on the server and then opens or
// closes the push channel to match.
func (s *Session) SetAccepting(ctx context.Context, on bool) error {
	if err := s.api.SetOnlineStatus(ctx, s.cfg.TraderID, on); err != nil {
		return err
	}
	s.mu.Lock()
	s.accepting = on
	s.mu.Unlock()

	if on {
		s.transport.Connect()
	} else {
		s.transport.Disconnect()
	}
	telemetry.Infof("session: accepting=%v", on)
	return nil
}
