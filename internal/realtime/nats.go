package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
)

// SubjectChat is the NATS subject prefix for room topics: chat.<room_id>.
const SubjectChat = "chat"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	FlushTimeout  time.Duration // how long Subscribe waits for the server to register interest
	BufferSize    int           // per-subscription event buffer
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "private-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  2 * time.Second,
		BufferSize:    DefaultBufferSize,
	}
}

// NATSBroadcaster publishes room events on chat.<room_id> subjects so every
// server instance fans them out to its own viewers.
type NATSBroadcaster struct {
	conn   *nats.Conn
	config NATSConfig

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBroadcaster connects to NATS with the given config. It returns an
// error if the initial connection fails.
func NewNATSBroadcaster(config NATSConfig) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] async error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSBroadcaster{
		conn:   nc,
		config: config,
		subs:   make(map[*nats.Subscription]struct{}),
	}, nil
}

func subjectFor(roomID string) string {
	return SubjectChat + "." + roomID
}

// Publish encodes ev and publishes it to chat.<room_id>.
func (b *NATSBroadcaster) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if b.conn.IsClosed() {
		return fmt.Errorf("realtime: nats publish %s: %w", ev.Kind, ErrUnavailable)
	}
	if err := b.conn.Publish(subjectFor(ev.RoomID), data); err != nil {
		return fmt.Errorf("realtime: nats publish %s: %w: %w", ev.Kind, ErrUnavailable, err)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Subscribe opens one NATS subscription per room. Each NATS subscription
// invokes its handler sequentially, which keeps per-room publish order.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, roomIDs []string, kinds []Kind) (*Subscription, error) {
	roomIDs = uniqueRooms(roomIDs)
	if len(roomIDs) == 0 {
		return nil, ErrNoRooms
	}

	sub := newSubscription(roomIDs, kinds, b.config.BufferSize)
	for _, id := range roomIDs {
		ns, err := b.conn.Subscribe(subjectFor(id), func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("[nats] unmarshal event on %s: %v", msg.Subject, err)
				return
			}
			sub.deliver(ev)
		})
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("realtime: nats subscribe %s: %w: %w", id, ErrUnavailable, err)
		}

		b.mu.Lock()
		b.subs[ns] = struct{}{}
		b.mu.Unlock()

		sub.attach(id, func() { b.unsubscribe(ns) })
	}

	// Make sure the server has registered interest before returning, so an
	// event published right after Subscribe is not missed.
	if err := b.conn.FlushTimeout(b.config.FlushTimeout); err != nil {
		log.Printf("[nats] flush after subscribe: %v", err)
	}

	sub.watch(ctx)
	return sub, nil
}

func (b *NATSBroadcaster) unsubscribe(ns *nats.Subscription) {
	b.mu.Lock()
	_, ok := b.subs[ns]
	delete(b.subs, ns)
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := ns.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		log.Printf("[nats] unsubscribe %s: %v", ns.Subject, err)
	}
}

// Ping reports whether the connection is currently usable.
func (b *NATSBroadcaster) Ping() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("realtime: nats status %s: %w", b.conn.Status(), ErrUnavailable)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBroadcaster) Close() error {
	b.mu.Lock()
	for ns := range b.subs {
		if err := ns.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", ns.Subject, err)
		}
	}
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] broadcaster closed")
	return nil
}
