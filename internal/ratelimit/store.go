// Package ratelimit provides fixed-window request counters backed by
// Redis, plus the limiter and HTTP middleware built on top of them.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared counter surface used by both the rate
// limiter and the login-lockout tracker. Counters expire on their own;
// callers never delete them.
type CounterStore interface {
	// Incr increments key inside a fixed window. The TTL is set only
	// when the counter is created, so the window does not slide.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrBy adds n inside the same fixed window, for callers that
	// count several units per request.
	IncrBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error)

	// IncrSliding increments key and refreshes the TTL on every call,
	// so the counter only dies after a quiet period. Used for lockout.
	IncrSliding(ctx context.Context, key string, window time.Duration) (int64, error)

	// Get returns the current count, zero if the key is absent.
	Get(ctx context.Context, key string) (int64, error)
}

// RedisStore implements CounterStore on a shared Redis client so all
// collector replicas agree on the counts.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, window)
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) IncrSliding(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is the in-process CounterStore used when Redis is not
// configured and in tests. Not shared between replicas.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	count   int64
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, window)
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, n int64, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		c = &memCounter{expires: s.now().Add(window)}
		s.counters[key] = c
	}
	c.count += n
	return c.count, nil
}

func (s *MemoryStore) IncrSliding(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		c = &memCounter{}
		s.counters[key] = c
	}
	c.count++
	c.expires = s.now().Add(window)
	return c.count, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.live(key); c != nil {
		return c.count, nil
	}
	return 0, nil
}

// live returns the counter for key, dropping it if expired. Caller
// holds the mutex.
func (s *MemoryStore) live(key string) *memCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if s.now().After(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}
