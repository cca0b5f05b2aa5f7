package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

const (
	// maxUpdateRetries bounds optimistic WATCH/MULTI retries per Update
	maxUpdateRetries = 16
	scanBatchSize    = 256
)

// RedisConfig locates the shared cache
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisStore is the network-backed Store shared by every instance of a
// horizontally scaled deployment.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
}

var _ interfaces.Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis. The connection is verified lazily; use
// Ping to check reachability at startup.
func NewRedisStore(cfg RedisConfig, logger *slog.Logger, metrics *Metrics) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return NewRedisStoreFromClient(client, cfg.KeyPrefix, logger, metrics)
}

// NewRedisStoreFromClient wraps an existing client (cluster, sentinel, tests)
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, logger *slog.Logger, metrics *Metrics) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "store", "backend", backendRedis),
		metrics: metrics,
	}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) fail(op, key string, err error) error {
	r.metrics.failed(op, backendRedis)
	r.logger.Warn("store operation failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%w: %s %s: %v", types.ErrStoreUnavailable, op, key, err)
}

// Set writes with PX expiry
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.metrics.observe("set", backendRedis)
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return r.fail("set", key, err)
	}
	return nil
}

// Get degrades any error to absent
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	r.metrics.observe("get", backendRedis)
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			_ = r.fail("get", key, err)
		}
		return nil, false
	}
	return val, true
}

// Delete removes one key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	r.metrics.observe("delete", backendRedis)
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return r.fail("delete", key, err)
	}
	return nil
}

// DeleteMatching scans and unlinks in batches. Keys written after a batch
// was scanned survive and are picked up by the next sweep.
func (r *RedisStore) DeleteMatching(ctx context.Context, prefix string) (int, error) {
	r.metrics.observe("delete_matching", backendRedis)
	removed := 0
	iter := r.client.Scan(ctx, 0, escapeGlob(r.key(prefix))+"*", scanBatchSize).Iterator()
	batch := make([]string, 0, scanBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return removed, r.fail("delete_matching", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, r.fail("delete_matching", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, r.fail("delete_matching", prefix, err)
	}
	return removed, nil
}

// ListKeys returns matching keys without the namespace prefix
func (r *RedisStore) ListKeys(ctx context.Context, prefix string) []string {
	r.metrics.observe("list_keys", backendRedis)
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(r.key(prefix))+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		_ = r.fail("list_keys", prefix, err)
		return nil
	}
	sort.Strings(keys)
	return keys
}

// Expire uses PEXPIRE, or PERSIST when ttl <= 0
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.metrics.observe("expire", backendRedis)
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = r.client.Persist(ctx, r.key(key)).Result()
		if err == nil && !ok {
			ok, err = r.exists(ctx, key)
		}
	} else {
		ok, err = r.client.PExpire(ctx, r.key(key), ttl).Result()
	}
	if err != nil {
		return false, r.fail("expire", key, err)
	}
	return ok, nil
}

func (r *RedisStore) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

// Update is an optimistic WATCH/MULTI transaction, retried on conflict
func (r *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn interfaces.UpdateFunc) ([]byte, error) {
	r.metrics.observe("update", backendRedis)
	if ttl < 0 {
		ttl = 0
	}
	fullKey := r.key(key)

	var written []byte
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			current, exists = nil, false
		} else if err != nil {
			return err
		}

		next, keep := fn(current, exists)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keep {
				pipe.Set(ctx, fullKey, next, ttl)
			} else {
				pipe.Del(ctx, fullKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if keep {
			written = next
		} else {
			written = nil
		}
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, txf, fullKey)
		if err == nil {
			return written, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, r.fail("update", key, err)
	}
	return nil, r.fail("update", key, errors.New("too many concurrent writers"))
}

// Ping checks reachability
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the client's connections
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
