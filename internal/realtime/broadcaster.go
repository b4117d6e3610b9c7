// Package realtime provides the per-room publish/subscribe bus. Each room has
// a topic carrying chat.message, chat.typing and chat.destroy events. Delivery
// is best-effort fan-out to the subscribers connected at publish time; there
// is no replay, acknowledgment or retry.
package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
)

var (
	// ErrUnavailable is returned when the publish path is down.
	ErrUnavailable = errors.New("realtime: broadcaster unavailable")

	// ErrNoRooms is returned when Subscribe is called without any room.
	ErrNoRooms = errors.New("realtime: subscribe requires at least one room")
)

// DefaultBufferSize is the number of undelivered events a subscription holds
// before it starts dropping non-terminal events.
const DefaultBufferSize = 64

// Broadcaster is the topic-per-room publish/subscribe capability.
type Broadcaster interface {
	// Publish fans ev out to every current subscriber of ev.RoomID.
	Publish(ctx context.Context, ev Event) error

	// Subscribe opens a live feed for roomIDs filtered to kinds (all kinds
	// when empty). The subscription closes when ctx is cancelled, when Close
	// is called, or once every room has delivered its destroy event.
	Subscribe(ctx context.Context, roomIDs []string, kinds []Kind) (*Subscription, error)

	// Close releases bus resources.
	Close() error
}

// Subscription is one viewer's independent event stream.
//
// State machine: open -> delivering -> closed. Events for a room are queued
// in publish order. When the buffer is full, message and typing events are
// dropped; one slot per room is held back so destroy events always fit.
type Subscription struct {
	events  chan Event
	done    chan struct{}
	kinds   map[Kind]bool
	reserve int

	mu     sync.Mutex
	rooms  map[string]func()
	closed bool

	dropped atomic.Int64
}

func newSubscription(roomIDs []string, kinds []Kind, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	s := &Subscription{
		events:  make(chan Event, bufferSize+len(roomIDs)),
		done:    make(chan struct{}),
		kinds:   make(map[Kind]bool, len(kinds)),
		reserve: len(roomIDs),
		rooms:   make(map[string]func(), len(roomIDs)),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	for _, id := range roomIDs {
		s.rooms[id] = nil
	}
	metrics.SubscriptionsActive.Inc()
	return s
}

// watch closes the subscription when ctx ends.
func (s *Subscription) watch(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

// attach records the function that detaches roomID from the bus. If the room
// already left (closed, or destroyed while the bus was still wiring it up),
// detach runs immediately.
func (s *Subscription) attach(roomID string, detach func()) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; s.closed || !ok {
		s.mu.Unlock()
		detach()
		return
	}
	s.rooms[roomID] = detach
	s.mu.Unlock()
}

// Events returns the receive side of the stream. It is closed when the
// subscription closes.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscription closes.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Rooms returns the rooms still attached.
func (s *Subscription) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Dropped returns the number of events discarded because the consumer fell
// behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// deliver queues ev without blocking the publisher. A destroy event detaches
// its room and closes the subscription once no rooms remain.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.rooms[ev.RoomID]; !ok {
		s.mu.Unlock()
		return
	}

	if ev.Kind != KindDestroy {
		if s.wants(ev.Kind) {
			if len(s.events) < cap(s.events)-s.reserve {
				s.events <- ev
			} else {
				s.dropped.Add(1)
				metrics.EventsDropped.Inc()
			}
		}
		s.mu.Unlock()
		return
	}

	if s.wants(KindDestroy) {
		s.events <- ev // a reserved slot is always free for this room
	}
	s.reserve--
	detach := s.rooms[ev.RoomID]
	delete(s.rooms, ev.RoomID)
	last := len(s.rooms) == 0
	if last {
		s.closeLocked()
	}
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Leave detaches a single room. The subscription closes when it was the last
// one.
func (s *Subscription) Leave(roomID string) {
	s.mu.Lock()
	detach, ok := s.rooms[roomID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomID)
	s.reserve--
	if len(s.rooms) == 0 {
		s.closeLocked()
	}
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Close stops delivery and detaches every room. It is safe to call more than
// once and from any goroutine.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	detaches := make([]func(), 0, len(s.rooms))
	for _, d := range s.rooms {
		if d != nil {
			detaches = append(detaches, d)
		}
	}
	s.rooms = map[string]func(){}
	s.closeLocked()
	s.mu.Unlock()

	for _, d := range detaches {
		d()
	}
	return nil
}

// uniqueRooms drops empty and repeated room IDs, keeping first-seen order.
func uniqueRooms(roomIDs []string) []string {
	seen := make(map[string]bool, len(roomIDs))
	out := make([]string, 0, len(roomIDs))
	for _, id := range roomIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// closeLocked must be called with s.mu held.
func (s *Subscription) closeLocked() {
	s.closed = true
	close(s.events)
	close(s.done)
	metrics.SubscriptionsActive.Dec()
	if n := s.dropped.Load(); n > 0 {
		log.Printf("[realtime] subscription closed after dropping %d events", n)
	}
}
