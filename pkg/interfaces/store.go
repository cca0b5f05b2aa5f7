package interfaces

import (
	"context"
	"time"
)

// UpdateFunc computes the next value of a key from its current value.
// Returning keep=false deletes the key.
type UpdateFunc func(current []byte, exists bool) (next []byte, keep bool)

// Store is the ephemeral keyed store every piece of live session state
// sits on. Implementations may be process-local or a shared network cache;
// callers must not assume single-process memory.
//
// Reads never fail: an expired, missing or unreadable key is absent.
// Writes report failures wrapped in types.ErrStoreUnavailable.
type Store interface {
	// Set writes value; ttl <= 0 means no expiry. TTL counts from this write.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Get(ctx context.Context, key string) ([]byte, bool)

	Delete(ctx context.Context, key string) error

	// DeleteMatching removes every key starting with prefix and reports how
	// many were removed
	DeleteMatching(ctx context.Context, prefix string) (int, error)

	ListKeys(ctx context.Context, prefix string) []string

	// Expire resets the expiry of an existing key to ttl from now; ttl <= 0
	// removes the expiry. It reports false when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Update is an atomic read-modify-write of a single key. The written
	// value (nil when deleted) is returned.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}
