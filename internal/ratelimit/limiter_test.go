package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), client
}

func TestLimiter_AllowUntilLimit(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "test_rl:allow:", Limit: 3, Window: 5 * time.Second}
	client.Del(ctx, rule.Key+"room:alice")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"room:alice") })

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "room:alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "room:alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := l.Remaining(ctx, "room:alice", rule)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	wait, err := l.RetryAfter(ctx, "room:alice", rule)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 5*time.Second)
}

func TestLimiter_FreshIdentifier(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "test_rl:fresh:", Limit: 7, Window: time.Second}
	client.Del(ctx, rule.Key+"nobody")

	remaining, err := l.Remaining(ctx, "nobody", rule)
	require.NoError(t, err)
	assert.Equal(t, 7, remaining)

	wait, err := l.RetryAfter(ctx, "nobody", rule)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestRule_WithLimit(t *testing.T) {
	assert.Equal(t, 5, RuleMessage.WithLimit(5).Limit)
	assert.Equal(t, RuleMessage.Limit, RuleMessage.WithLimit(0).Limit)
	assert.Equal(t, RuleTyping.Window, RuleTyping.WithLimit(1).Window)
}
