package extref

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores last-modified timestamps by reference.
type Cache interface {
	Get(ctx context.Context, ref string) (time.Time, bool, error)
	Set(ctx context.Context, ref string, ts time.Time) error
}

// CachedSource consults the cache before the wrapped source.
type CachedSource struct {
	Source Source
	Cache  Cache
}

func (s CachedSource) LastModified(ctx context.Context, ref string) (time.Time, error) {
	if ts, ok, err := s.Cache.Get(ctx, ref); err == nil && ok {
		return ts, nil
	}
	ts, err := s.Source.LastModified(ctx, ref)
	if err != nil {
		return ts, err
	}
	// a failed cache write only costs a refetch
	_ = s.Cache.Set(ctx, ref, ts)
	return ts, nil
}

// RedisCache keeps entries in redis with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "todo:extref:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, ref string) (time.Time, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+ref).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get %s: %w", ref, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ref string, ts time.Time) error {
	return c.client.Set(ctx, c.prefix+ref, ts.UTC().Format(time.RFC3339Nano), c.ttl).Err()
}

type memEntry struct {
	ts      time.Time
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: map[string]memEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, ref string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok {
		return time.Time{}, false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, ref)
		return time.Time{}, false, nil
	}
	return e.ts, true, nil
}

func (c *MemoryCache) Set(_ context.Context, ref string, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = memEntry{ts: ts, expires: c.now().Add(c.ttl)}
	return nil
}
