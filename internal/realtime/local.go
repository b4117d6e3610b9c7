package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
)

// LocalBus is an in-process Broadcaster. It serves a single server instance;
// use NATSBroadcaster when several instances share rooms.
type LocalBus struct {
	mu         sync.RWMutex
	topics     map[string]map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// NewLocalBus creates an empty bus. bufferSize <= 0 selects
// DefaultBufferSize.
func NewLocalBus(bufferSize int) *LocalBus {
	return &LocalBus{
		topics:     make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Publish delivers ev to a snapshot of the room's subscribers. Delivery to
// each subscriber is non-blocking, so Publish never waits on a slow viewer.
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("realtime: local publish %s: %w", ev.Kind, ErrUnavailable)
	}
	topic := b.topics[ev.RoomID]
	subs := make([]*Subscription, 0, len(topic))
	for sub := range topic {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, roomIDs []string, kinds []Kind) (*Subscription, error) {
	roomIDs = uniqueRooms(roomIDs)
	if len(roomIDs) == 0 {
		return nil, ErrNoRooms
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("realtime: local subscribe: %w", ErrUnavailable)
	}
	sub := newSubscription(roomIDs, kinds, b.bufferSize)
	for _, id := range roomIDs {
		topic, ok := b.topics[id]
		if !ok {
			topic = make(map[*Subscription]struct{})
			b.topics[id] = topic
		}
		topic[sub] = struct{}{}
	}
	b.mu.Unlock()

	for _, id := range roomIDs {
		id := id
		sub.attach(id, func() { b.remove(id, sub) })
	}
	sub.watch(ctx)
	return sub, nil
}

func (b *LocalBus) remove(roomID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[roomID]
	if !ok {
		return
	}
	delete(topic, sub)
	if len(topic) == 0 {
		delete(b.topics, roomID)
	}
}

// Subscribers returns the number of subscriptions attached to roomID.
func (b *LocalBus) Subscribers(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[roomID])
}

// Close shuts the bus and closes every open subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	seen := make(map[*Subscription]bool)
	for _, topic := range b.topics {
		for sub := range topic {
			if !seen[sub] {
				seen[sub] = true
				subs = append(subs, sub)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
