//go:build linux

package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// epoll wraps Linux epoll syscalls for WebSocket read multiplexing. Instead
// of parking a goroutine per connection, file descriptors are registered with
// the kernel and ready connections are handed to the server's worker pool.
type epoll struct {
	fd     int
	server *Server

	mu    sync.RWMutex
	conns map[int]*Connection // fd -> Connection
	done  chan struct{}
}

func newPoller(s *Server) (poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	e := &epoll{
		fd:     fd,
		server: s,
		conns:  make(map[int]*Connection),
		done:   make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Add registers c for read readiness (EPOLLIN | EPOLLHUP).
func (e *epoll) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	c.Fd = fd

	e.mu.Lock()
	e.conns[fd] = c
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		e.mu.Lock()
		delete(e.conns, fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Remove unregisters c. It must run before the socket is closed so the fd
// cannot be reused underneath the interest list.
func (e *epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.conns[c.Fd] == c {
		delete(e.conns, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// run is the epoll wait loop. Each ready connection is read by a worker
// goroutine bounded by the server's worker pool.
func (e *epoll) run() {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(e.fd, events, 100)
		select {
		case <-e.done:
			return
		default:
		}
		if err != nil {
			// EINTR is expected during signal handling.
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		e.mu.RLock()
		ready := make([]*Connection, 0, n)
		for i := 0; i < n; i++ {
			if c, ok := e.conns[int(events[i].Fd)]; ok {
				ready = append(ready, c)
			}
		}
		e.mu.RUnlock()

		for _, c := range ready {
			c := c
			e.server.workerPool <- struct{}{}
			go func() {
				defer func() { <-e.server.workerPool }()
				e.server.readFrame(c, true)
			}()
		}
	}
}

// Close stops the wait loop and closes the epoll descriptor.
func (e *epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[int]*Connection)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the descriptor (which
// File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
