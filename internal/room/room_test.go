package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock    *fakeClock
	store    *store.Memory
	bus      *realtime.LocalBus
	registry *Registry
	log      *Log
	tracker  *Tracker
	reaper   *Reaper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory(store.WithClock(clock.Now), store.WithJanitorInterval(0))
	bus := realtime.NewLocalBus(256)
	t.Cleanup(func() {
		bus.Close()
		st.Close()
	})

	cfg := DefaultConfig()
	reg, err := NewRegistry(st, bus, cfg, WithClock(clock.Now))
	require.NoError(t, err)

	return &harness{
		clock:    clock,
		store:    st,
		bus:      bus,
		registry: reg,
		log:      NewLog(st, bus, WithClock(clock.Now)),
		tracker:  NewTracker(st, bus, cfg.TypingTTL, WithClock(clock.Now)),
		reaper:   NewReaper(reg, 0),
	}
}

func (h *harness) subscribe(t *testing.T, roomID string) *realtime.Subscription {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background(), []string{roomID}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

// drain returns everything already queued on sub. LocalBus delivers inside
// Publish, so events from completed calls are always queued.
func drain(sub *realtime.Subscription) []realtime.Event {
	var out []realtime.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(events []realtime.Event, kind realtime.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestCreateOrGet_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "r1", first.ID)
	assert.Equal(t, 600, first.TTLSeconds)

	h.clock.Advance(time.Minute)

	again, created, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CreatedAt, again.CreatedAt, "existing room must not be reset")

	ttl, err := h.registry.RemainingTTL(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Minute, ttl)
}

func TestCreateOrGet_GeneratesID(t *testing.T) {
	h := newHarness(t)

	rm, created, err := h.registry.CreateOrGet(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, rm.ID, 21)

	other, _, err := h.registry.CreateOrGet(context.Background(), "")
	require.NoError(t, err)
	assert.NotEqual(t, rm.ID, other.ID)
}

func TestRemainingTTL_NeverCreated(t *testing.T) {
	h := newHarness(t)

	_, err := h.registry.RemainingTTL(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRemainingTTL_MonotonicUntilExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)

	prev := 10 * time.Minute
	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Minute - time.Second)
		ttl, err := h.registry.RemainingTTL(ctx, "r1")
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, prev)
		prev = ttl
	}

	h.clock.Advance(time.Minute)
	_, err = h.registry.RemainingTTL(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	h.clock.Advance(time.Hour)
	_, err = h.registry.RemainingTTL(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAppendListDestroyScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	msg, err := h.log.Append(ctx, "r1", "a", "hi")
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RoomID)
	assert.NotEmpty(t, msg.ID)

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Text)

	require.NoError(t, h.registry.Destroy(ctx, "r1"))

	_, err = h.log.List(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, realtime.KindMessage, events[0].Kind)
	var got Message
	require.NoError(t, events[0].Decode(&got))
	assert.Equal(t, *msg, got)
	assert.Equal(t, realtime.KindDestroy, events[1].Kind)
}

func TestList_EmptyRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	_, err = h.log.List(ctx, "ghost")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAppend_RoomGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.log.Append(ctx, "ghost", "a", "hello?")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	_, err = h.log.Append(ctx, "r1", "a", "too late")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAppend_ConcurrentSendersKeepOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)

	const senders, perSender = 5, 20
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := h.log.Append(ctx, "r1", fmt.Sprintf("s%d", s), fmt.Sprintf("%d", i))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, senders*perSender)

	// Per-sender submission order is preserved and the whole log is sorted.
	next := map[string]int{}
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("%d", next[m.Sender]), m.Text)
		next[m.Sender]++
		if i > 0 {
			prev := msgs[i-1]
			assert.True(t, prev.Timestamp < m.Timestamp ||
				(prev.Timestamp == m.Timestamp && prev.ID < m.ID))
		}
	}
}

func TestList_OrdersByTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := h.log.Append(ctx, "r1", "a", text)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
	assert.Equal(t, "three", msgs[2].Text)
}

func TestDestroy_TwiceAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	require.NoError(t, h.registry.Destroy(ctx, "r1"))
	assert.ErrorIs(t, h.registry.Destroy(ctx, "r1"), ErrRoomNotFound)

	assert.Equal(t, 1, countKind(drain(sub), realtime.KindDestroy))

	// Nothing left for the reaper either.
	h.clock.Advance(time.Hour)
	n, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDestroy_ConcurrentAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)

	// Several observers so the auto-close of one does not hide duplicates.
	subs := []*realtime.Subscription{h.subscribe(t, "r1"), h.subscribe(t, "r1")}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.registry.Destroy(ctx, "r1"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	for _, sub := range subs {
		assert.Equal(t, 1, countKind(drain(sub), realtime.KindDestroy))
	}
}

func TestDestroy_ExpiredUnsweptAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	h.clock.Advance(10 * time.Minute)

	assert.ErrorIs(t, h.registry.Destroy(ctx, "r1"), ErrRoomNotFound)
	n, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, countKind(drain(sub), realtime.KindDestroy))
}

func TestReaper_ExpiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	_, _, err = h.registry.CreateOrGet(ctx, "r2")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	h.clock.Advance(5 * time.Minute)
	n, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	h.clock.Advance(5 * time.Minute)
	n, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, realtime.KindDestroy, events[0].Kind)
	var p realtime.DestroyPayload
	require.NoError(t, events[0].Decode(&p))
	assert.True(t, p.IsDestroyed)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should auto-close on destroy")
	}
}

func TestReaper_ConcurrentSweepsClaimOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _, err := h.registry.CreateOrGet(ctx, fmt.Sprintf("room-%d", i))
		require.NoError(t, err)
	}
	h.clock.Advance(11 * time.Minute)

	other := NewReaper(h.registry, time.Second)
	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i, rp := range []*Reaper{h.reaper, other} {
		wg.Add(1)
		go func(i int, rp *Reaper) {
			defer wg.Done()
			n, err := rp.Sweep(ctx)
			assert.NoError(t, err)
			totals[i] = n
		}(i, rp)
	}
	wg.Wait()

	assert.Equal(t, 10, totals[0]+totals[1])
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(h.registry, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestRecreateAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	_, err = h.log.Append(ctx, "r1", "a", "from the old lifetime")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	h.clock.Advance(10*time.Minute + time.Second)

	fresh, created, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, fresh.CreatedAt, old.CreatedAt)

	// The old lifetime is announced exactly once, by the creator.
	assert.Equal(t, 1, countKind(drain(sub), realtime.KindDestroy))
	n, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "a new lifetime starts with an empty log")

	ttl, err := h.registry.RemainingTTL(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)
}

func TestRecreateBySkewedInstanceAnnouncesOldLifetime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A second instance sharing the store and bus, running 50ms behind.
	lagging := func() time.Time { return h.clock.Now().Add(-50 * time.Millisecond) }
	other, err := NewRegistry(h.store, h.bus, DefaultConfig(), WithClock(lagging))
	require.NoError(t, err)

	_, _, err = h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	// The key is gone on the store clock, but the lagging instance still sees
	// the old deadline as in the future.
	h.clock.Advance(10*time.Minute + 10*time.Millisecond)
	_, created, err := other.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	require.True(t, created)

	h.clock.Advance(time.Second)
	for _, rp := range []*Reaper{h.reaper, NewReaper(other, 0)} {
		n, err := rp.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "the new lifetime is not due")
	}

	assert.Equal(t, 1, countKind(drain(sub), realtime.KindDestroy))
}

func TestTyping_OnOffScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "a", true))
	h.clock.Advance(500 * time.Millisecond)
	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "a", false))

	h.clock.Advance(10 * time.Second)
	_, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)

	events := drain(sub)
	require.Len(t, events, 2)
	var first, second realtime.TypingPayload
	require.NoError(t, events[0].Decode(&first))
	require.NoError(t, events[1].Decode(&second))
	assert.Equal(t, realtime.TypingPayload{Sender: "a", IsTyping: true}, first)
	assert.Equal(t, realtime.TypingPayload{Sender: "a", IsTyping: false}, second)
}

func TestTyping_LapsesWithoutEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	sub := h.subscribe(t, "r1")

	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "a", true))
	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "b", true))

	active, err := h.tracker.Active(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, active)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "b", true)) // renewal

	h.clock.Advance(1500 * time.Millisecond)
	active, err = h.tracker.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, active)

	h.clock.Advance(5 * time.Second)
	active, err = h.tracker.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Len(t, drain(sub), 3, "lapsing never publishes")
}

func TestDestroy_ClearsTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "a", true))

	require.NoError(t, h.registry.Destroy(ctx, "r1"))

	active, err := h.tracker.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.store.Close())

	_, _, err = h.registry.CreateOrGet(ctx, "r2")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = h.registry.RemainingTTL(ctx, "r1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = h.log.Append(ctx, "r1", "a", "hi")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, h.tracker.SetTyping(ctx, "r1", "a", true), ErrStoreUnavailable)
	assert.NotErrorIs(t, h.registry.Destroy(ctx, "r1"), ErrRoomNotFound)
}

func TestBroadcastFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.registry.CreateOrGet(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.bus.Close())

	_, err = h.log.Append(ctx, "r1", "a", "stored anyway")
	require.NoError(t, err)
	require.NoError(t, h.tracker.SetTyping(ctx, "r1", "a", true))

	msgs, err := h.log.List(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	require.NoError(t, h.registry.Destroy(ctx, "r1"))
}

func TestRoomHelpers(t *testing.T) {
	rm := Room{ID: "r", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), TTLSeconds: 600}
	start := time.UnixMilli(rm.CreatedAt)

	assert.Equal(t, start.Add(10*time.Minute), rm.ExpiresAt())
	assert.Equal(t, 4*time.Minute, rm.Remaining(start.Add(6*time.Minute)))
	assert.Zero(t, rm.Remaining(start.Add(time.Hour)))

	assert.Equal(t, int64(600), Seconds(599600*time.Millisecond))
	assert.Equal(t, int64(1), Seconds(1400*time.Millisecond))
	assert.Equal(t, int64(0), Seconds(400*time.Millisecond))
	assert.Equal(t, int64(0), Seconds(-time.Second))
}

func TestNewRegistryRejectsShortTTL(t *testing.T) {
	st := store.NewMemory(store.WithJanitorInterval(0))
	defer st.Close()
	_, err := NewRegistry(st, realtime.NewLocalBus(0), Config{TTL: 100 * time.Millisecond})
	assert.Error(t, err)
}
