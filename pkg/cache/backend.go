package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is a key-value store with per-key expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisBackend stores entries in Redis.
type RedisBackend struct {
	client redis.Cmdable
}

// NewRedisBackend wraps a Redis client.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

func (backend *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := backend.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (backend *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return backend.client.Set(ctx, key, value, ttl).Err()
}

func (backend *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return backend.client.Del(ctx, keys...).Err()
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local TTL map for single-instance deployments and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemoryBackend returns an empty MemoryBackend. A nil clock uses time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{entries: map[string]memoryEntry{}, nowFn: now}
}

func (backend *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !backend.nowFn().Before(entry.expiresAt) {
		delete(backend.entries, key)
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (backend *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = backend.nowFn().Add(ttl)
	}
	backend.entries[key] = entry
	return nil
}

func (backend *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, key := range keys {
		delete(backend.entries, key)
	}
	return nil
}
