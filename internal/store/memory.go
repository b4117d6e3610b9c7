package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often the memory backend purges expired keys
// that were never touched again after expiring.
const DefaultJanitorInterval = 30 * time.Second

var errClosed = errors.New("store: memory backend closed")

// entry is a single key in the memory backend. Exactly one of value, list or
// set is meaningful for a given key.
type entry struct {
	value   []byte
	list    [][]byte
	set     map[string]time.Time
	expires time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Store. Expiry is evaluated lazily on every access
// against the configured clock, and a janitor goroutine drops keys nobody
// reads anymore.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	closed  bool
	stop    chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now     func() time.Time
	janitor time.Duration
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// WithJanitorInterval sets the purge interval. Zero disables the janitor.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.janitor = d }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	o := memoryOptions{now: time.Now, janitor: DefaultJanitorInterval}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Memory{
		entries: make(map[string]*entry),
		now:     o.now,
		stop:    make(chan struct{}),
	}
	if o.janitor > 0 {
		go m.janitor(o.janitor)
	}
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.purge()
		}
	}
}

func (m *Memory) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}
}

// lookup returns the live entry for key, evicting it if it has expired.
// Callers must hold m.mu.
func (m *Memory) lookup(key string, now time.Time) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Create(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosedUnavailable()
	}

	now := m.now()
	if m.lookup(key, now) != nil {
		return false, nil
	}

	e := &entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosedUnavailable()
	}

	e := m.lookup(key, m.now())
	if e == nil || e.value == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosedUnavailable()
	}

	now := m.now()
	e := m.lookup(key, now)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expires.IsZero() {
		return NoExpiry, nil
	}
	return e.expires.Sub(now), nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosedUnavailable()
	}

	now := m.now()
	deleted := 0
	for _, key := range keys {
		if m.lookup(key, now) != nil {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) AppendIfExists(_ context.Context, guard, key string, value []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosedUnavailable()
	}

	now := m.now()
	g := m.lookup(guard, now)
	if g == nil {
		return 0, ErrNotFound
	}

	e := m.lookup(key, now)
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	e.list = append(e.list, append([]byte(nil), value...))
	e.expires = g.expires
	return len(e.list), nil
}

func (m *Memory) List(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosedUnavailable()
	}

	e := m.lookup(key, m.now())
	if e == nil {
		return [][]byte{}, nil
	}
	out := make([][]byte, len(e.list))
	for i, v := range e.list {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Mark(_ context.Context, key, member string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosedUnavailable()
	}

	now := m.now()
	e := m.lookup(key, now)
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]time.Time)
	}
	e.set[member] = at
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	return nil
}

func (m *Memory) MarkedBefore(_ context.Context, key string, t time.Time) ([]string, error) {
	return m.marked(key, func(score time.Time) bool { return !score.After(t) })
}

func (m *Memory) MarkedAfter(_ context.Context, key string, t time.Time) ([]string, error) {
	return m.marked(key, func(score time.Time) bool { return score.After(t) })
}

func (m *Memory) marked(key string, keep func(time.Time) bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosedUnavailable()
	}

	e := m.lookup(key, m.now())
	if e == nil {
		return []string{}, nil
	}

	type scored struct {
		member string
		at     time.Time
	}
	matches := make([]scored, 0, len(e.set))
	for member, at := range e.set {
		if keep(at) {
			matches = append(matches, scored{member, at})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].at.Equal(matches[j].at) {
			return matches[i].member < matches[j].member
		}
		return matches[i].at.Before(matches[j].at)
	})

	out := make([]string, len(matches))
	for i, s := range matches {
		out[i] = s.member
	}
	return out, nil
}

func (m *Memory) Unmark(_ context.Context, key, member string) (bool, error) {
	return m.unmark(key, member, func(time.Time) bool { return true })
}

func (m *Memory) UnmarkBefore(_ context.Context, key, member string, t time.Time) (bool, error) {
	return m.unmark(key, member, func(score time.Time) bool { return !score.After(t) })
}

func (m *Memory) unmark(key, member string, match func(time.Time) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosedUnavailable()
	}

	e := m.lookup(key, m.now())
	if e == nil {
		return false, nil
	}
	score, ok := e.set[member]
	if !ok || !match(score) {
		return false, nil
	}
	delete(e.set, member)
	if len(e.set) == 0 {
		delete(m.entries, key)
	}
	return true, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosedUnavailable()
	}
	return nil
}

// Close stops the janitor. Subsequent calls fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return nil
}

func errClosedUnavailable() error {
	return errors.Join(ErrUnavailable, errClosed)
}
