package room

import (
	"context"
	"log"
	"time"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/store"
)

// Tracker keeps per-room typing presence. Each sender is a member of the
// room's typing set scored by when its signal lapses. A lapsed signal is
// inert without any event being published; viewers time indicators out
// locally over the same window.
type Tracker struct {
	store store.Store
	bus   realtime.Broadcaster
	ttl   time.Duration
	now   func() time.Time
}

// NewTracker creates a tracker whose signals last ttl without renewal.
func NewTracker(st store.Store, bus realtime.Broadcaster, ttl time.Duration, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultConfig().TypingTTL
	}
	o := buildOptions(opts)
	return &Tracker{store: st, bus: bus, ttl: ttl, now: o.now}
}

// TTL returns the presence window.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// SetTyping records sender's state in roomID and publishes chat.typing.
// true (re)starts the presence window; false clears it immediately.
func (t *Tracker) SetTyping(ctx context.Context, roomID, sender string, isTyping bool) error {
	key := typingKey(roomID)
	state := "off"

	var err error
	if isTyping {
		state = "on"
		err = t.store.Mark(ctx, key, sender, t.now().Add(t.ttl), t.ttl)
	} else {
		_, err = t.store.Unmark(ctx, key, sender)
	}
	if err != nil {
		return storeErr("typing", roomID, err)
	}
	metrics.TypingSignals.WithLabelValues(state).Inc()

	ev, err := realtime.NewEvent(roomID, realtime.KindTyping, realtime.TypingPayload{
		Sender:   sender,
		IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("[room] %v", err)
		return nil
	}
	_ = publish(ctx, t.bus, ev)
	return nil
}

// Active returns the senders whose typing signal is still within its window,
// earliest to lapse first.
func (t *Tracker) Active(ctx context.Context, roomID string) ([]string, error) {
	senders, err := t.store.MarkedAfter(ctx, typingKey(roomID), t.now())
	if err != nil {
		return nil, storeErr("typing roster", roomID, err)
	}
	return senders, nil
}
