package store

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"sanctuary/pkg/interfaces"
)

// DefaultShardCount balances lock contention against sweep cost
const DefaultShardCount = 32

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// MemoryStore is the process-local Store. Keys are spread over lock-striped
// shards so a read-modify-write only ever holds its own shard's lock.
type MemoryStore struct {
	shards  []*shard
	now     func() time.Time
	metrics *Metrics
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(metrics *Metrics) MemoryOption {
	return func(m *MemoryStore) { m.metrics = metrics }
}

// NewMemoryStore creates an empty process-local store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		shards: make([]*shard, DefaultShardCount),
		now:    time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ interfaces.Store = (*MemoryStore)(nil)

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Set stores a copy of value
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.metrics.observe("set", backendMemory)
	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry{value: cloneBytes(value), expiresAt: m.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the value; expired keys are purged on the way
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	m.metrics.observe("get", backendMemory)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Delete removes a key; deleting an absent key is a no-op
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.metrics.observe("delete", backendMemory)
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// DeleteMatching holds every shard lock for the whole sweep: a concurrent
// Set on a matching key lands either before (and is removed) or after
// (and survives intact for the next sweep).
func (m *MemoryStore) DeleteMatching(ctx context.Context, prefix string) (int, error) {
	m.metrics.observe("delete_matching", backendMemory)
	m.lockAll()
	defer m.unlockAll()

	removed := 0
	for _, s := range m.shards {
		for key := range s.entries {
			if strings.HasPrefix(key, prefix) {
				delete(s.entries, key)
				removed++
			}
		}
	}
	return removed, nil
}

// ListKeys returns live keys with the prefix, sorted
func (m *MemoryStore) ListKeys(ctx context.Context, prefix string) []string {
	m.metrics.observe("list_keys", backendMemory)
	m.lockAll()
	defer m.unlockAll()

	now := m.now()
	var keys []string
	for _, s := range m.shards {
		for key, e := range s.entries {
			if strings.HasPrefix(key, prefix) && !e.expired(now) {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Expire moves the key's deadline without touching its value
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.metrics.observe("expire", backendMemory)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if e.expired(m.now()) {
		delete(s.entries, key)
		return false, nil
	}
	e.expiresAt = m.expiry(ttl)
	s.entries[key] = e
	return true, nil
}

// Update runs fn under the key's shard lock
func (m *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn interfaces.UpdateFunc) ([]byte, error) {
	m.metrics.observe("update", backendMemory)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	e, exists := s.entries[key]
	if exists && e.expired(m.now()) {
		delete(s.entries, key)
		exists = false
	}
	if exists {
		current = cloneBytes(e.value)
	}

	next, keep := fn(current, exists)
	if !keep {
		delete(s.entries, key)
		return nil, nil
	}
	s.entries[key] = entry{value: cloneBytes(next), expiresAt: m.expiry(ttl)}
	return next, nil
}

// Sweep purges expired entries and reports how many were dropped.
// The hub calls it periodically; reads already ignore expired keys.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	purged := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, key)
				purged++
			}
		}
		s.mu.Unlock()
	}
	if purged > 0 {
		m.metrics.expired(backendMemory, purged)
	}
	return purged
}

// Len counts stored entries, including expired ones not yet swept
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Ping always succeeds for the in-process backend
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

// Shards are always locked in index order to avoid deadlock between sweeps
func (m *MemoryStore) lockAll() {
	for _, s := range m.shards {
		s.mu.Lock()
	}
}

func (m *MemoryStore) unlockAll() {
	for i := len(m.shards) - 1; i >= 0; i-- {
		m.shards[i].mu.Unlock()
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
