package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	gonanoid "github.com/jaevor/go-nanoid"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/store"
)

const (
	reasonExplicit = "explicit"
	reasonExpired  = "expired"

	// createAttempts bounds the create/get loop when a room keeps expiring
	// between the two calls.
	createAttempts = 3
)

// Registry creates rooms, reports their remaining lifetime and destroys
// them. Every live-to-destroyed transition publishes exactly one
// chat.destroy: the caller that removes the room from DeadlineIndex is the
// one that announces it.
type Registry struct {
	store store.Store
	bus   realtime.Broadcaster
	cfg   Config
	now   func() time.Time
	newID func() string
}

// NewRegistry creates a registry over st and bus.
func NewRegistry(st store.Store, bus realtime.Broadcaster, cfg Config, opts ...Option) (*Registry, error) {
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("room: ttl must be at least 1s, got %s", cfg.TTL)
	}
	gen, err := gonanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("room: id generator: %w", err)
	}
	cfg.TTL = cfg.TTL.Truncate(time.Second)
	o := buildOptions(opts)
	return &Registry{
		store: st,
		bus:   bus,
		cfg:   cfg,
		now:   o.now,
		newID: gen,
	}, nil
}

// CreateOrGet returns the live room with the given id, creating a new
// lifetime when none exists. An existing room is returned unchanged and its
// TTL is not reset. An empty id generates one. The bool reports whether this
// call created the room.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (*Room, bool, error) {
	if id == "" {
		id = r.newID()
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		now := r.now()
		rec := Room{
			ID:         id,
			CreatedAt:  now.UnixMilli(),
			TTLSeconds: int(r.cfg.TTL / time.Second),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, false, fmt.Errorf("room: marshal %s: %w", id, err)
		}

		created, err := r.store.Create(ctx, roomKey(id), data, r.cfg.TTL)
		if err != nil {
			return nil, false, storeErr("create", id, err)
		}
		if created {
			if err := r.track(ctx, &rec); err != nil {
				return nil, false, err
			}
			metrics.RoomsCreated.Inc()
			log.Printf("[room] created %s ttl=%s", id, r.cfg.TTL)
			return &rec, true, nil
		}

		existing, err := r.Get(ctx, id)
		if errors.Is(err, ErrRoomNotFound) {
			// Expired between Create and Get; start a new lifetime.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("room: create %s: %w: room kept expiring during lookup", id, ErrStoreUnavailable)
}

// track registers a fresh lifetime in DeadlineIndex. A successful Create
// means any entry still indexed for the id belongs to a dead lifetime, so it
// is claimed first whatever its deadline says relative to the local clock,
// and that lifetime still gets its destroy event. If the deadline cannot be
// recorded the room key is rolled back: a room must never live without one.
func (r *Registry) track(ctx context.Context, rec *Room) error {
	stale, err := r.store.Unmark(ctx, DeadlineIndex, rec.ID)
	if err == nil && stale {
		r.announce(ctx, rec.ID, reasonExpired)
	}
	if err == nil {
		err = r.store.Mark(ctx, DeadlineIndex, rec.ID, rec.ExpiresAt(), 0)
	}
	if err == nil {
		return nil
	}

	if _, derr := r.store.Delete(ctx, roomKey(rec.ID)); derr != nil {
		log.Printf("[room] rollback %s failed: %v", rec.ID, derr)
	}
	return storeErr("track", rec.ID, err)
}

// Get returns the stored record of the live room id.
func (r *Registry) Get(ctx context.Context, id string) (*Room, error) {
	data, err := r.store.Get(ctx, roomKey(id))
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	var rec Room
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("room: decode %s: %w", id, err)
	}
	return &rec, nil
}

// RemainingTTL returns how long room id has left, clamped to zero. It fails
// with ErrRoomNotFound for rooms that never existed or are gone.
func (r *Registry) RemainingTTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := r.store.TTL(ctx, roomKey(id))
	if err != nil {
		return 0, storeErr("ttl", id, err)
	}
	if ttl == store.NoExpiry {
		return r.cfg.TTL, nil
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Remaining returns what is left of rec's lifetime on the registry clock.
func (r *Registry) Remaining(rec *Room) time.Duration {
	return rec.Remaining(r.now())
}

// Exists reports whether room id is live.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.RemainingTTL(ctx, id)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Destroy removes room id with its messages and typing state. It returns
// ErrRoomNotFound when the room was not live. Concurrent and repeated calls
// publish chat.destroy at most once per lifetime.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if errors.Is(err, ErrRoomNotFound) {
		// Expired but possibly not swept yet: settle it here.
		r.claim(ctx, id, r.now(), reasonExpired)
		return err
	}
	if err != nil {
		return err
	}

	n, err := r.store.Delete(ctx, roomKey(id))
	if err != nil {
		return storeErr("destroy", id, err)
	}
	if _, err := r.store.Delete(ctx, messagesKey(id), typingKey(id)); err != nil {
		log.Printf("[room] destroy %s: delete contents: %v", id, err)
	}

	// Only claim this lifetime's deadline so a room recreated in between
	// keeps its own entry.
	r.claim(ctx, id, rec.ExpiresAt(), reasonExplicit)

	if n == 0 {
		return fmt.Errorf("room: destroy %s: %w", id, ErrRoomNotFound)
	}
	return nil
}

// claim removes id from DeadlineIndex if its deadline is at or before
// notAfter, and announces the destroy when this call won.
func (r *Registry) claim(ctx context.Context, id string, notAfter time.Time, reason string) bool {
	won, err := r.store.UnmarkBefore(ctx, DeadlineIndex, id, notAfter)
	if err != nil {
		log.Printf("[room] claim deadline %s: %v", id, err)
		return false
	}
	if won {
		r.announce(ctx, id, reason)
	}
	return won
}

func (r *Registry) announce(ctx context.Context, id, reason string) {
	metrics.RoomsDestroyed.WithLabelValues(reason).Inc()
	log.Printf("[room] destroyed %s (%s)", id, reason)
	_ = publish(ctx, r.bus, realtime.DestroyEvent(id))
}
