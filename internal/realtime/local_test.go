package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingEvent(t *testing.T, roomID, sender string, on bool) Event {
	t.Helper()
	ev, err := NewEvent(roomID, KindTyping, TypingPayload{Sender: sender, IsTyping: on})
	require.NoError(t, err)
	return ev
}

func messageEvent(t *testing.T, roomID, text string) Event {
	t.Helper()
	ev, err := NewEvent(roomID, KindMessage, map[string]string{"text": text})
	require.NoError(t, err)
	return ev
}

// recv reads one event or fails after a short wait.
func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s on %s", ev.Kind, ev.RoomID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_FanOutIsolation(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()
	ctx := context.Background()

	a, err := bus.Subscribe(ctx, []string{"r1"}, nil)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, []string{"r1"}, nil)
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, []string{"r2"}, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", "hi")))

	assert.Equal(t, KindMessage, recv(t, a).Kind)
	assert.Equal(t, KindMessage, recv(t, b).Kind)
	assertNoEvent(t, other)

	// Closing one subscriber does not affect the other.
	require.NoError(t, a.Close())
	require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", "again")))
	assert.Equal(t, KindMessage, recv(t, b).Kind)

	_, open := <-a.Events()
	assert.False(t, open, "closed subscription must not deliver")
	assert.Equal(t, 1, bus.Subscribers("r1"))
}

func TestLocalBus_PublishOrderPreserved(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, []string{"r1"}, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, bus.Publish(ctx, DestroyEvent("r1")))

	for i := 0; i < 10; i++ {
		ev := recv(t, sub)
		var payload map[string]string
		require.NoError(t, ev.Decode(&payload))
		assert.Equal(t, fmt.Sprintf("m%d", i), payload["text"])
	}
	assert.Equal(t, KindDestroy, recv(t, sub).Kind)
}

func TestLocalBus_KindFilter(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, []string{"r1"}, []Kind{KindTyping})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", "hidden")))
	require.NoError(t, bus.Publish(ctx, typingEvent(t, "r1", "a", true)))

	ev := recv(t, sub)
	assert.Equal(t, KindTyping, ev.Kind)
	var p TypingPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, TypingPayload{Sender: "a", IsTyping: true}, p)
	assertNoEvent(t, sub)
}

func TestLocalBus_DestroyAutoCloses(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, []string{"r1", "r2"}, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, DestroyEvent("r1")))
	assert.Equal(t, KindDestroy, recv(t, sub).Kind)
	assert.Equal(t, []string{"r2"}, sub.Rooms())
	assert.Equal(t, 0, bus.Subscribers("r1"))

	// r1 is detached; later r1 events are not delivered.
	require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", "late")))

	require.NoError(t, bus.Publish(ctx, DestroyEvent("r2")))
	assert.Equal(t, KindDestroy, recv(t, sub).Kind)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription should close after its last room is destroyed")
	}
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestLocalBus_DestroyClosesEvenWhenFiltered(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), []string{"r1"}, []Kind{KindMessage})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), DestroyEvent("r1")))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("destroy must close the subscription even if not requested")
	}
}

func TestLocalBus_ContextCancelCloses(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, []string{"r1"}, nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled context should close the subscription")
	}

	require.Eventually(t, func() bool { return bus.Subscribers("r1") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestLocalBus_SlowConsumerKeepsDestroy(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, []string{"r1"}, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, messageEvent(t, "r1", fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, bus.Publish(ctx, DestroyEvent("r1")))

	var kinds []Kind
	for ev := range sub.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.Len(t, kinds, 5)
	assert.Equal(t, KindDestroy, kinds[4], "destroy must be the final delivered event")
	assert.Equal(t, int64(6), sub.Dropped())
}

func TestLocalBus_SubscribeValidation(t *testing.T) {
	bus := NewLocalBus(0)

	_, err := bus.Subscribe(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoRooms)

	require.NoError(t, bus.Close())
	_, err = bus.Subscribe(context.Background(), []string{"r1"}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, bus.Publish(context.Background(), DestroyEvent("r1")), ErrUnavailable)
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("chat.unknown")
	assert.Error(t, err)
}
