package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Compile-time check that Memory implements KV.
var _ KV = (*Memory)(nil)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process KV with the same atomicity and TTL semantics as
// the Redis implementation. Tests substitute it for Redis; single-worker
// dev runs can too.
type Memory struct {
	mu   sync.Mutex
	vals map[string]*memoryEntry
	sets map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		vals: make(map[string]*memoryEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

// live returns the entry at key, lazily evicting it when expired.
// Caller must hold mu.
func (m *Memory) live(key string) (*memoryEntry, bool) {
	e, ok := m.vals[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.vals, key)
		return nil, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vals[key] = &memoryEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.vals[key] = &memoryEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expiresAt = expiry(ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.vals, key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.vals, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live(key)
	return ok, nil
}

// IncrWindow counts in the entry's value string, same as Redis INCR on a
// plain key. A key holding a non-integer value errors instead of being
// silently reset.
func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{value: "0", expiresAt: expiry(window)}
		m.vals[key] = e
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: value at %s is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SMove(_ context.Context, source, dest, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sets[source]
	if !ok {
		return false, nil
	}
	if _, ok := src[member]; !ok {
		return false, nil
	}
	delete(src, member)

	dst, ok := m.sets[dest]
	if !ok {
		dst = make(map[string]struct{})
		m.sets[dest] = dst
	}
	dst[member] = struct{}{}
	return true, nil
}
