package netclient

import (
	"context"
	"sync"
	"time"

	rds "PedMedClient/service/storage/redis"
)

// Cache is the shared response cache behind the network client. Entries are
// opaque response bodies with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// ===== 内存缓存 =====

type memEntry struct {
	data     []byte
	expireAt time.Time
}

// MemoryCache is the default in-process cache. Expired entries are dropped
// lazily on read; there is no sweeper because the key space is tiny (a
// handful of endpoint responses).
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}, clock: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock().After(e.expireAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = memEntry{data: value, expireAt: c.clock().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ===== Redis 缓存 =====

// RedisCache stores responses in Redis so several client processes on one
// host share hits. Backed by the storage/redis singleton.
type RedisCache struct {
	prefix string
}

func NewRedisCache(prefix string) *RedisCache {
	if prefix == "" {
		prefix = "pedmed:cache:"
	}
	return &RedisCache{prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	// Cache errors degrade to misses, never to request failures.
	v, err := rds.GetRedis().Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_ = rds.GetRedis().Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	_ = rds.GetRedis().Del(ctx, c.prefix+key).Err()
}
