package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const testPrefix = "test_store:"

// newTestRedis returns a Redis store connected to localhost:6379 with every
// test_store:* key flushed. Tests skip when no Redis is running.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, testPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedisFromClient(client)
}

func TestRedis_CreateGetTTL(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	key := testPrefix + "room"

	created, err := s.Create(ctx, key, []byte("v1"), 30*time.Second)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !created {
		t.Fatal("expected first Create to succeed")
	}

	created, err = s.Create(ctx, key, []byte("v2"), 30*time.Second)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created {
		t.Fatal("expected second Create to be a no-op")
	}

	val, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected value v1, got %q", val)
	}

	ttl, err := s.TTL(ctx, key)
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected ttl in (0,30s], got %s", ttl)
	}
}

func TestRedis_MissingKey(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, testPrefix+"missing"); err != ErrNotFound {
		t.Errorf("Get() expected ErrNotFound, got %v", err)
	}
	if _, err := s.TTL(ctx, testPrefix+"missing"); err != ErrNotFound {
		t.Errorf("TTL() expected ErrNotFound, got %v", err)
	}
}

func TestRedis_DeleteCounts(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	key := testPrefix + "del"

	s.Create(ctx, key, []byte("x"), time.Minute)

	n, err := s.Delete(ctx, key, testPrefix+"nope")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	n, _ = s.Delete(ctx, key)
	if n != 0 {
		t.Errorf("expected 0 deleted on second call, got %d", n)
	}
}

func TestRedis_AppendIfExists(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	guard := testPrefix + "guard"
	list := testPrefix + "guard:messages"

	if _, err := s.AppendIfExists(ctx, guard, list, []byte("m0")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound without guard, got %v", err)
	}

	s.Create(ctx, guard, []byte("{}"), 20*time.Second)
	for i, msg := range []string{"m1", "m2", "m3"} {
		n, err := s.AppendIfExists(ctx, guard, list, []byte(msg))
		if err != nil {
			t.Fatalf("AppendIfExists() error: %v", err)
		}
		if n != i+1 {
			t.Errorf("expected length %d, got %d", i+1, n)
		}
	}

	items, err := s.List(ctx, list)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(items) != 3 || string(items[0]) != "m1" || string(items[2]) != "m3" {
		t.Errorf("unexpected list contents: %q", items)
	}

	ttl, err := s.TTL(ctx, list)
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > 20*time.Second {
		t.Errorf("list ttl should track guard ttl, got %s", ttl)
	}
}

func TestRedis_MarkAndUnmark(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	key := testPrefix + "deadlines"
	now := time.Now()

	s.Mark(ctx, key, "a", now.Add(-time.Second), 0)
	s.Mark(ctx, key, "b", now.Add(time.Hour), 0)

	due, err := s.MarkedBefore(ctx, key, now)
	if err != nil {
		t.Fatalf("MarkedBefore() error: %v", err)
	}
	if len(due) != 1 || due[0] != "a" {
		t.Errorf("expected [a] due, got %v", due)
	}

	pending, err := s.MarkedAfter(ctx, key, now)
	if err != nil {
		t.Fatalf("MarkedAfter() error: %v", err)
	}
	if len(pending) != 1 || pending[0] != "b" {
		t.Errorf("expected [b] pending, got %v", pending)
	}

	ok, _ := s.Unmark(ctx, key, "a")
	if !ok {
		t.Error("expected first Unmark to report removal")
	}
	ok, _ = s.Unmark(ctx, key, "a")
	if ok {
		t.Error("expected second Unmark to report nothing removed")
	}
}

func TestRedis_UnmarkBefore(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	key := testPrefix + "deadlines"
	now := time.Now()

	s.Mark(ctx, key, "later", now.Add(time.Hour), 0)

	ok, err := s.UnmarkBefore(ctx, key, "later", now)
	if err != nil {
		t.Fatalf("UnmarkBefore() error: %v", err)
	}
	if ok {
		t.Error("a future score must not be removed")
	}

	ok, _ = s.UnmarkBefore(ctx, key, "later", now.Add(2*time.Hour))
	if !ok {
		t.Error("expected removal once the score is due")
	}
	ok, _ = s.UnmarkBefore(ctx, key, "missing", now)
	if ok {
		t.Error("expected no removal for a missing member")
	}
}
