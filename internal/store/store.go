// Package store defines the expiring key-value capability that backs room
// existence, message logs and typing presence. Any backend that can create a
// key with a TTL, delete-if-exists, append to a list guarded by another key,
// and keep a time-scored member set can serve as the source of truth.
//
// Two backends are provided: Redis (production, shared across server
// instances) and Memory (single process, tests and local development).
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or has expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps transient backend failures. Callers treat it as
	// retryable.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// NoExpiry is reported by TTL for a live key that has no expiry set.
const NoExpiry time.Duration = -1

// Store is the expiring key-value capability set used by the room core.
type Store interface {
	// Create stores value under key with the given TTL only if key does not
	// exist. It reports whether the key was created.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// AppendIfExists atomically appends value to the list at key only while
	// guard exists, and aligns the list's expiry with the guard's remaining
	// TTL. It returns the new list length, or ErrNotFound when guard is gone.
	AppendIfExists(ctx context.Context, guard, key string, value []byte) (int, error)

	// List returns every element of the list at key in append order. A
	// missing list is an empty result, not an error.
	List(ctx context.Context, key string) ([][]byte, error)

	// Mark adds or rescores member in the scored set at key. A positive ttl
	// sets the expiry of the whole set.
	Mark(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error

	// MarkedBefore returns members scored at or before t, oldest first.
	MarkedBefore(ctx context.Context, key string, t time.Time) ([]string, error)

	// MarkedAfter returns members scored strictly after t, oldest first.
	MarkedAfter(ctx context.Context, key string, t time.Time) ([]string, error)

	// Unmark removes member from the set and reports whether it was present.
	// Concurrent callers racing on the same member see true exactly once.
	Unmark(ctx context.Context, key, member string) (bool, error)

	// UnmarkBefore removes member only if its score is at or before t. It
	// reports whether this call removed it, with the same exactly-once
	// guarantee as Unmark.
	UnmarkBefore(ctx context.Context, key, member string, t time.Time) (bool, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
