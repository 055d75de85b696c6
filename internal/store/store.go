// Package store defines the atomic key-value contract shared by the
// coordination, guard, and registry packages, with a Redis implementation
// for production and an in-memory one for tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal set of atomic primitives the fleet relies on. All
// cross-worker mutual exclusion goes through these; no in-process locks are
// shared between workers.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key unconditionally. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if absent; reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndExpire extends the TTL only if the stored value equals
	// value; reports whether it did.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if the stored value equals
	// value; reports whether it did.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Delete removes keys unconditionally.
	Delete(ctx context.Context, keys ...string) error

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// IncrWindow atomically increments a counter, attaching the window as
	// TTL when the counter is created. window <= 0 leaves the counter
	// unexpiring. Returns the post-increment value. Incrementing a key
	// whose stored value is not an integer is an error.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// SAdd / SRem / SMembers operate on an unordered string set.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// SMove atomically moves member from source to dest, reporting whether
	// it was present in source. At most one concurrent mover wins a member.
	SMove(ctx context.Context, source, dest, member string) (bool, error)
}
