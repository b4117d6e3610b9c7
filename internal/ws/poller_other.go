//go:build !linux

package ws

import "sync"

// loopPoller is the fallback for platforms without epoll: each connection
// gets a goroutine that blocks reading frames until the connection dies.
type loopPoller struct {
	server *Server

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func newPoller(s *Server) (poller, error) {
	return &loopPoller{server: s, conns: make(map[*Connection]struct{})}, nil
}

func (p *loopPoller) Add(c *Connection) error {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go func() {
		for p.server.readFrame(c, false) {
		}
	}()
	return nil
}

func (p *loopPoller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

// Close is a no-op: read loops end when their connections are closed.
func (p *loopPoller) Close() error {
	return nil
}
