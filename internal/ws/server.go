// Package ws serves the realtime room feed over WebSocket. It upgrades HTTP
// connections, reads client frames through epoll and a bounded worker pool,
// keeps connections alive with a heartbeat, and dispatches parsed messages
// to registered handlers.
package ws

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ahsanbhutta01/private-chat/internal/protocol"
)

// MaxFrameSize caps client frames. Viewers only send small control messages.
const MaxFrameSize = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// poller delivers read readiness for registered connections to the server.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Close() error
}

// Server upgrades HTTP requests to WebSocket and owns every live
// connection. It is an http.Handler so it can be mounted next to the REST
// API on one listener.
type Server struct {
	config       ServerConfig
	poller       poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	done         chan struct{}
	startedAt    time.Time
	started      atomic.Bool
	stopOnce     sync.Once
}

// NewServer creates a Server. The onMessage function is called from a
// worker goroutine whenever a complete text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultServerConfig().MaxConnections
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start creates the poller and heartbeat. It returns immediately; upgrades
// are served through ServeHTTP.
func (s *Server) Start() error {
	p, err := newPoller(s)
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	s.started.Store(true)

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// ServeHTTP upgrades the request using the gobwas/ws zero-copy upgrader,
// registers the connection and greets it with a connected message.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.WriteTimeout)

	// Greet before the poller can dispatch reads for this connection.
	if err := c.WriteMessage(protocol.MustServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
	})); err != nil {
		log.Printf("ws: failed to send connected to %s: %v", c.ID, err)
		conn.Close()
		return
	}

	s.conns.Add(c)
	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed for %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	log.Printf("ws: new connection id=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.Count())
}

// readFrame reads a single WebSocket frame from c using wsutil.NextReader so
// control frames are handled without blocking on a data frame that may
// never arrive. withDeadline bounds the read for readiness-driven callers. It
// reports whether the connection is still open.
func (s *Server) readFrame(c *Connection, withDeadline bool) bool {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return true
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if withDeadline && s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale epoll dispatch). The
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		if header.OpCode == ws.OpPing {
			c.writeMu.Lock()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
		}
		if header.Length > 0 {
			_, _ = io.Copy(io.Discard, reader)
		}
		return true
	}

	if header.Length > MaxFrameSize {
		log.Printf("ws: frame too large id=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters c from the poller and connection manager and
// closes it. Concurrent callers are safe; only the first one runs the
// disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for access to connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the server has been started.
func (s *Server) Uptime() time.Duration {
	if !s.started.Load() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the heartbeat and poller and closes every connection. The
// HTTP listener belongs to the caller.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return nil
}
