package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Key expiry is delegated to
// Redis itself; scored sets map onto sorted sets with millisecond scores.
type Redis struct {
	client       *redis.Client
	appendScript *redis.Script
	unmarkScript *redis.Script
}

// NewRedis connects to Redis at addr and verifies the connection.
func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// connection setup; Close still closes the client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		client:       client,
		appendScript: redis.NewScript(appendIfExistsLua),
		unmarkScript: redis.NewScript(unmarkBeforeLua),
	}
}

// Client returns the underlying Redis client for use by other packages.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("create", err)
	}
	return created, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return ttl, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return int(n), nil
}

func (r *Redis) AppendIfExists(ctx context.Context, guard, key string, value []byte) (int, error) {
	n, err := r.appendScript.Run(ctx, r.client, []string{guard, key}, value).Int()
	if err != nil {
		return 0, unavailable("append", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (r *Redis) List(ctx context.Context, key string) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) Mark(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (r *Redis) MarkedBefore(ctx context.Context, key string, t time.Time) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	return members, nil
}

func (r *Redis) MarkedAfter(ctx context.Context, key string, t time.Time) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(t.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	return members, nil
}

func (r *Redis) Unmark(ctx context.Context, key, member string) (bool, error) {
	n, err := r.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, unavailable("zrem", err)
	}
	return n == 1, nil
}

func (r *Redis) UnmarkBefore(ctx context.Context, key, member string, t time.Time) (bool, error) {
	n, err := r.unmarkScript.Run(ctx, r.client, []string{key}, member, t.UnixMilli()).Int()
	if err != nil {
		return false, unavailable("unmark", err)
	}
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store: redis %s: %w: %w", op, ErrUnavailable, err)
}

// appendIfExistsLua appends ARGV[1] to the list KEYS[2] only while the guard
// key KEYS[1] exists, then copies the guard's remaining TTL onto the list so
// the list never outlives it. Returns the new length, or -1 if the guard is
// gone.
const appendIfExistsLua = `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then return -1 end

local n = redis.call('RPUSH', KEYS[2], ARGV[1])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[2], ttl)
end
return n
`

// unmarkBeforeLua removes ARGV[1] from the sorted set KEYS[1] only when its
// score is <= ARGV[2]. Returns 1 when removed, 0 otherwise.
const unmarkBeforeLua = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then return 0 end
if tonumber(score) > tonumber(ARGV[2]) then return 0 end
return redis.call('ZREM', KEYS[1], ARGV[1])
`
