package fanout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/ordersync/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Watch holds the callbacks a desk watcher is interested in. Nil
// callbacks are skipped.
type Watch struct {
	OnState  func(OrdersState)
	OnStatus func(ConnectionStatus)
	OnAck    func(Ack)
}

// Client connects to a desk server and hands decoded frames to Watch.
type Client struct {
	addr  string
	watch Watch
}

func NewClient(addr string, watch Watch) *Client {
	return &Client{addr: addr, watch: watch}
}

// ConnectWithRetry connects to the desk server and reconnects on failure
// with exponential backoff. Blocks until ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("fanout: desk connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s/ws", c.addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// unblock ReadMessage on cancel
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	telemetry.Infof("fanout: connected to desk server %s", c.addr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(msg); err != nil {
			telemetry.Warnf("fanout: %v", err)
		}
	}
}

func (c *Client) dispatch(msg []byte) error {
	env, err := Unmarshal(msg)
	if err != nil {
		return err
	}
	switch env.Type {
	case MsgOrdersState:
		var st OrdersState
		if err := env.Decode(&st); err != nil {
			return err
		}
		if c.watch.OnState != nil {
			c.watch.OnState(st)
		}
	case MsgConnectionStatus:
		var st ConnectionStatus
		if err := env.Decode(&st); err != nil {
			return err
		}
		if c.watch.OnStatus != nil {
			c.watch.OnStatus(st)
		}
	case MsgAck:
		var ack Ack
		if err := env.Decode(&ack); err != nil {
			return err
		}
		if c.watch.OnAck != nil {
			c.watch.OnAck(ack)
		}
	default:
		telemetry.Debugf("fanout: ignoring desk frame %s", env.Type)
	}
	return nil
}
