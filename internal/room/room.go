// Package room implements the ephemeral room core: the registry that owns a
// room's lifetime, the message log it guards, typing presence, and the reaper
// that turns TTL expiry into a destroy broadcast.
//
// The Expiring Store is the single source of truth. The Broadcaster is only
// told about state changes after the store accepted them, and a failed
// publish never rolls a mutation back.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/store"
)

const (
	roomPrefix = "room:"

	// DeadlineIndex is the scored set of live room IDs keyed by the unix
	// millisecond at which each room's current lifetime ends.
	DeadlineIndex = "rooms:deadlines"
)

var (
	// ErrRoomNotFound is returned for rooms that never existed, expired, or
	// were destroyed. All three are indistinguishable to callers.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrStoreUnavailable marks transient store failures. Callers may retry.
	ErrStoreUnavailable = errors.New("room: store unavailable")

	// ErrBroadcastUnavailable marks a failed publish. It is logged, never
	// returned from a mutation that the store accepted.
	ErrBroadcastUnavailable = errors.New("room: broadcast unavailable")
)

// Config holds room lifetime settings.
type Config struct {
	TTL          time.Duration // total lifetime of every room
	TypingTTL    time.Duration // how long a typing signal stays active without renewal
	ReapInterval time.Duration // how often the reaper scans for due deadlines
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          10 * time.Minute,
		TypingTTL:    3 * time.Second,
		ReapInterval: time.Second,
	}
}

// Option customizes registry, log and tracker construction.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source. It should agree with the store's
// clock for expiry decisions to line up.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Room is the stored record of one room lifetime.
type Room struct {
	ID         string `json:"roomId"`
	CreatedAt  int64  `json:"createdAt"` // unix milliseconds
	TTLSeconds int    `json:"ttlSeconds"`
}

// ExpiresAt returns the end of this lifetime.
func (r *Room) ExpiresAt() time.Time {
	return time.UnixMilli(r.CreatedAt).Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Remaining returns the clamped lifetime left at now.
func (r *Room) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Seconds rounds d to the nearest whole second, as Redis TTL does. The HTTP
// API and the feed report TTLs this way.
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second/2) / time.Second)
}

func roomKey(id string) string     { return roomPrefix + id }
func messagesKey(id string) string { return roomPrefix + id + ":messages" }
func typingKey(id string) string   { return roomPrefix + id + ":typing" }

// storeErr maps a store error onto the room taxonomy.
func storeErr(op, roomID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("room: %s %s: %w", op, roomID, ErrRoomNotFound)
	}
	return fmt.Errorf("room: %s %s: %w: %w", op, roomID, ErrStoreUnavailable, err)
}

// publish hands ev to the bus. Failures are counted and logged; the returned
// error is informational only.
func publish(ctx context.Context, bus realtime.Broadcaster, ev realtime.Event) error {
	if err := bus.Publish(ctx, ev); err != nil {
		metrics.BroadcastFailures.WithLabelValues(string(ev.Kind)).Inc()
		err = fmt.Errorf("room: publish %s %s: %w: %w", ev.Kind, ev.RoomID, ErrBroadcastUnavailable, err)
		log.Printf("[room] %v", err)
		return err
	}
	return nil
}
