package orders_ws

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/ordersync/internal/events"
	"github.com/charleschow/ordersync/internal/telemetry"
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReadTimeout          = 90 * time.Second

	writeDeadline = 5 * time.Second
)

type Config struct {
	URL      string // e.g. ws://localhost:8001/api/v1/ws/orders
	TraderID string
	Token    string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ReadTimeout          time.Duration // 0 disables the read deadline
	HandshakeTimeout     time.Duration
}

// Handler receives every decoded frame except keep-alives.
type Handler = func(events.Event)

// Client owns the single push connection for the trader's orders.
//
// Every connection attempt runs under a generation number. Disconnect and
// manual Connect bump the generation, so a dial, read loop, heartbeat or
// reconnect timer that belongs to an older generation becomes a no-op.
//
// Gorilla/websocket supports one concurrent writer, so data frames are
// serialized through writeMu.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	store  *Store

	mu         sync.Mutex
	state      events.ConnState
	conn       *websocket.Conn
	gen        uint64
	attempts   int
	reconnect  *time.Timer
	stopBeat   chan struct{}
	cancelDial context.CancelFunc
	serverErr  string

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
}

// NewClient builds a disconnected client. store may be nil.
func NewClient(cfg Config, store *Store) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		store:    store,
		state:    events.ConnDisconnected,
		handlers: make(map[uint64]Handler),
	}
}

// Connect starts connecting in the background. It is a no-op while
// connected or connecting. Calling it after the client gave up resets the
// attempt counter.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == events.ConnConnected || c.state == events.ConnConnecting {
		return
	}
	c.attempts = 0
	c.stopReconnectLocked()
	c.startLocked()
}

// Disconnect closes the connection and cancels the reconnect timer, the
// heartbeat and any in-flight dial before returning. Safe to call
// repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	wasUp := c.state != events.ConnDisconnected
	c.state = events.ConnDisconnected
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if wasUp {
		telemetry.Infof("orders_ws: disconnected")
	}
}

func (c *Client) Status() events.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnects scheduled since the last
// successful open or manual Connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastServerError returns the message of the last {"type":"error"} frame.
func (c *Client) LastServerError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverErr
}

// Subscribe registers h for inbound events. The returned function removes
// it and may be called from inside h.
func (c *Client) Subscribe(h Handler) (unsubscribe func()) {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		delete(c.handlers, id)
		c.hmu.Unlock()
	}
}

func (c *Client) startLocked() {
	c.gen++
	gen := c.gen
	c.state = events.ConnConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	go c.run(ctx, gen)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		telemetry.Warnf("orders_ws: dial failed: %v", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.state = events.ConnConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()

	telemetry.Infof("orders_ws: connected to %s", c.redactedEndpoint())
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(gen, stop)
	}

	err = c.readLoop(conn)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	conn.Close()
	telemetry.Warnf("orders_ws: connection lost: %v", err)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the fixed-interval reconnect timer, or
// moves to failed once MaxReconnectAttempts have been used.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = events.ConnFailed
		telemetry.Errorf("orders_ws: giving up after %d reconnect attempts", c.attempts)
		return
	}
	c.attempts++
	c.state = events.ConnDisconnected
	telemetry.Metrics.Reconnects.Inc()
	telemetry.Warnf("orders_ws: reconnecting (attempt %d/%d) in %s", c.attempts, c.cfg.MaxReconnectAttempts, c.cfg.ReconnectInterval)

	gen := c.gen
	c.reconnect = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || c.state != events.ConnDisconnected {
			return
		}
		c.reconnect = nil
		c.startLocked()
	})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	timeout := c.cfg.ReadTimeout
	extend := func() {
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}

	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeDeadline))
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		c.handleFrame(msg)
	}
}

func (c *Client) handleFrame(msg []byte) {
	telemetry.Metrics.FramesReceived.Inc()

	evt, err := events.Decode(msg)
	if err != nil {
		telemetry.Metrics.FrameParseErrors.Inc()
		telemetry.Warnf("orders_ws: dropping frame: %v", err)
		c.store.Insert("malformed", msg)
		return
	}
	c.store.Insert(string(evt.Kind), msg)

	if evt.KeepAlive() {
		return
	}
	if se, ok := evt.Payload.(events.ServerError); ok {
		telemetry.Warnf("orders_ws: server error: %s", se.Message)
		c.mu.Lock()
		c.serverErr = se.Message
		c.mu.Unlock()
	}
	c.dispatch(evt)
}

// dispatch delivers evt to every handler. One handler panicking does not
// stop delivery to the rest.
func (c *Client) dispatch(evt events.Event) {
	c.hmu.RLock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.hmu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					telemetry.Metrics.SubscriberPanics.Inc()
					telemetry.Warnf("orders_ws: handler panicked on %s: %v", evt.Kind, r)
				}
			}()
			h(evt)
		}()
	}
}

func (c *Client) heartbeat(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendPing(gen); err != nil {
				telemetry.Warnf("orders_ws: heartbeat failed: %v", err)
				return
			}
		}
	}
}

var pingFrame = mustEncode(events.KindPing)

func mustEncode(kind events.Kind) []byte {
	data, err := events.Encode(kind, nil)
	if err != nil {
		panic(err)
	}
	return data
}

func (c *Client) sendPing(gen uint64) error {
	c.mu.Lock()
	conn := c.conn
	live := gen == c.gen && conn != nil
	c.mu.Unlock()
	if !live {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
		return err
	}
	telemetry.Metrics.HeartbeatsSent.Inc()
	return nil
}

func (c *Client) endpoint() string { return Endpoint(c.cfg) }

// Endpoint builds {URL}/{TraderID}?token={Token}.
func Endpoint(cfg Config) string {
	base := strings.TrimRight(cfg.URL, "/")
	if cfg.TraderID != "" {
		base += "/" + url.PathEscape(cfg.TraderID)
	}
	if cfg.Token == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(cfg.Token)
}

func (c *Client) redactedEndpoint() string {
	if c.cfg.Token == "" {
		return c.endpoint()
	}
	return strings.Replace(c.endpoint(), url.QueryEscape(c.cfg.Token), "***", 1)
}
