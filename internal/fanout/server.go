package fanout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/ordersync/internal/clock"
	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/events"
	"github.com/charleschow/ordersync/internal/telemetry"
)

const (
	clientSendBuf = 64
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second
	actionTimeout = 10 * time.Second

	DefaultStatusInterval = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Source is the order state the desk server mirrors.
// Satisfied by *session.Session.
type Source interface {
	View() reconcile.View
	Subscribe(fn Handler) (unsubscribe func())
	Status() events.ConnState
	LastPollError() error
	LastServerError() string
}

// Actions are the commands desk clients may send.
// Satisfied by *session.Session.
type Actions interface {
	Cancel(ctx context.Context, id string) error
	Confirm(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
}

type deskClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	version uint64 // last orders_state version enqueued
}

// Server mirrors the order state to desk WebSocket clients and relays
// their commands back to the session.
type Server struct {
	src     Source
	actions Actions
	clock   clock.Clock

	mu         sync.Mutex
	clients    map[*deskClient]struct{}
	lastStatus ConnectionStatus
	unsub      func()
}

func NewServer(src Source, actions Actions, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.NewSystem()
	}
	s := &Server{
		src:     src,
		actions: actions,
		clock:   clk,
		clients: make(map[*deskClient]struct{}),
	}
	s.lastStatus = s.sampleStatus()
	s.unsub = src.Subscribe(s.forward)
	return s
}

// Close detaches the server from the source.
func (s *Server) Close() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// forward runs on the engine's publishing goroutine and only enqueues.
func (s *Server) forward(n reconcile.Notification) {
	st := NewOrdersState(n.View, n.Source, n.Changes, s.clock.Now())
	data, err := Marshal(MsgOrdersState, st, s.clock.Now())
	if err != nil {
		telemetry.Warnf("fanout: marshal error: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if n.View.Version <= c.version {
			continue
		}
		c.version = n.View.Version
		s.enqueue(c, data)
	}
}

func (s *Server) enqueue(c *deskClient, data []byte) {
	select {
	case c.send <- data:
	default:
		telemetry.Warnf("fanout: dropping message for slow desk client")
	}
}

// broadcastStatus sends connection_status to every client.
func (s *Server) broadcastStatus(st ConnectionStatus) {
	data, err := Marshal(MsgConnectionStatus, st, s.clock.Now())
	if err != nil {
		telemetry.Warnf("fanout: marshal error: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.enqueue(c, data)
	}
}

func (s *Server) sampleStatus() ConnectionStatus {
	st := ConnectionStatus{
		Status:      s.src.Status(),
		ServerError: s.src.LastServerError(),
	}
	if err := s.src.LastPollError(); err != nil {
		st.PollError = err.Error()
	}
	return st
}

// WatchStatus samples the source every interval and broadcasts a
// connection_status frame whenever it changes. Blocks until ctx is done.
func (s *Server) WatchStatus(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.sampleStatus()
			s.mu.Lock()
			changed := st != s.lastStatus
			s.lastStatus = st
			s.mu.Unlock()
			if changed {
				telemetry.Debugf("fanout: connection status %s", st.Status)
				s.broadcastStatus(st)
			}
		}
	}
}

// HandleWS is the HTTP handler for desk WebSocket upgrade requests.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed: %v", err)
		return
	}

	c := &deskClient{
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if status, err := Marshal(MsgConnectionStatus, s.lastStatus, s.clock.Now()); err == nil {
		s.enqueue(c, status)
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	// Lock order is engine -> s.mu, so the view is read unlocked. Every
	// orders_state carries the whole view; skip the baseline if forward
	// already sent a newer one.
	view := s.src.View()
	now := s.clock.Now()
	if state, err := Marshal(MsgOrdersState, NewOrdersState(view, "", nil, now), now); err == nil {
		s.mu.Lock()
		if c.version == 0 || view.Version > c.version {
			c.version = view.Version
			s.enqueue(c, state)
		}
		s.mu.Unlock()
	}

	telemetry.Metrics.DeskClients.Set(int64(n))
	telemetry.Infof("fanout: desk client connected from %s (%d total)", r.RemoteAddr, n)

	go s.writePump(c)
	go s.readPump(c)
}

// writePump drains the client's send channel. It owns the client
// lifecycle: on exit it removes the client and closes the connection.
func (s *Server) writePump(c *deskClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.removeClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Warnf("fanout: write error: %v", err)
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles desk commands and pongs. On exit it signals writePump
// via c.done (never closes c.send).
func (s *Server) readPump(c *deskClient) {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := Unmarshal(msg)
		if err != nil {
			telemetry.Warnf("fanout: bad desk command: %v", err)
			continue
		}
		ack := s.handleCommand(env)
		data, err := Marshal(MsgAck, ack, s.clock.Now())
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.enqueue(c, data)
		s.mu.Unlock()
	}
}

func (s *Server) handleCommand(env Envelope) Ack {
	ack := Ack{Command: env.Type}
	var cmd Command
	if err := env.Decode(&cmd); err != nil {
		ack.Error = err.Error()
		return ack
	}
	ack.ID = cmd.ID

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case MsgCancel:
		err = s.actions.Cancel(ctx, cmd.ID)
	case MsgConfirm:
		err = s.actions.Confirm(ctx, cmd.ID)
	case MsgRefresh:
		err = s.actions.Refresh(ctx)
	default:
		err = errors.New("unknown command")
	}
	if err != nil {
		telemetry.Warnf("fanout: %s %s failed: %v", env.Type, cmd.ID, err)
		ack.Error = err.Error()
		return ack
	}
	ack.OK = true
	return ack
}

func (s *Server) removeClient(c *deskClient) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	telemetry.Metrics.DeskClients.Set(int64(n))
	telemetry.Infof("fanout: desk client disconnected (%d left)", n)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	return mux
}

// ListenAndServe serves the desk endpoint on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	telemetry.Plainf("fanout: desk server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
