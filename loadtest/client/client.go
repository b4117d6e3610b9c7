// Package client provides a reusable WebSocket viewer for load testing the
// private chat server's room feed. It connects using gobwas/ws (the same
// library the server uses), waits for the connected handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypeEvent      = "event"
	TypeClosed     = "closed"
	TypeError      = "error"
	TypePong       = "pong"
)

// Event kinds carried by TypeEvent.
const (
	EventMessage = "chat.message"
	EventDestroy = "chat.destroy"
	EventTyping  = "chat.typing"
)

// EventMsg is the decoded form of a TypeEvent frame.
type EventMsg struct {
	Event  string          `json:"event"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is a single simulated viewer. It dispatches incoming frames to
// registered handlers from a background read loop.
type Client struct {
	conn      net.Conn
	rw        io.ReadWriter
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop. handlers maps server message types
// to callbacks; they run on the read loop goroutine and should not block.
func New(ctx context.Context, url string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	// Frames sent right after the upgrade may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:     conn,
		rw:       struct {
			io.Reader
			io.Writer
		}{r, conn},
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for t, h := range handlers {
		c.handlers[t] = h
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Subscribe asks for the feeds of rooms. An empty events list means every
// event kind.
func (c *Client) Subscribe(rooms []string, events ...string) error {
	return c.Send(map[string]interface{}{
		"type":     TypeSubscribe,
		"room_ids": rooms,
		"events":   events,
	})
}

// WaitForConnected blocks until the server has sent the connected frame or
// the context is cancelled.
func (c *Client) WaitForConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before handshake")
	case <-c.ready:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.GetMetrics().Errors == 0
	}
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeConnected {
			select {
			case <-c.ready:
			default:
				close(c.ready)
			}
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
