package realtime

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestNATS starts an embedded NATS server on a random port and returns a
// broadcaster connected to it.
func newTestNATS(t *testing.T) *NATSBroadcaster {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	config := DefaultNATSConfig()
	config.URL = srv.ClientURL()
	config.Name = "private-chat-test"

	b, err := NewNATSBroadcaster(config)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATS_PublishSubscribe(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	first, err := b.Subscribe(ctx, []string{"room-a"}, nil)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, []string{"room-a"}, []Kind{KindTyping})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, messageEvent(t, "room-a", "hello")))
	require.NoError(t, b.Publish(ctx, typingEvent(t, "room-a", "bob", true)))

	assert.Equal(t, KindMessage, recv(t, first).Kind)
	assert.Equal(t, KindTyping, recv(t, first).Kind)

	ev := recv(t, second)
	assert.Equal(t, KindTyping, ev.Kind)
	assert.Equal(t, "room-a", ev.RoomID)
}

func TestNATS_DestroyAfterMessageOrdering(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, []string{"room-b"}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, messageEvent(t, "room-b", "last words")))
	require.NoError(t, b.Publish(ctx, DestroyEvent("room-b")))

	assert.Equal(t, KindMessage, recv(t, sub).Kind)
	assert.Equal(t, KindDestroy, recv(t, sub).Kind)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription should auto-close after destroy")
	}
}

func TestNATS_CloseStopsDelivery(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, []string{"room-c"}, nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(ctx, messageEvent(t, "room-c", "ignored")))
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, b.Ping())
}
