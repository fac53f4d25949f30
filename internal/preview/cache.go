package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("preview: cache miss")

// Cache abstracts the key/value operations the preview store needs.
type Cache interface {
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Expire resets the time to live of an existing key; ErrCacheMiss if it is gone.
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

func (c *RedisCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if expiration <= 0 {
		n, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrCacheMiss
		}
		return c.client.Persist(ctx, key).Err()
	}
	ok, err := c.client.Expire(ctx, key, expiration).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrCacheMiss
	}
	return nil
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MemoryCache is an in-process Cache used when no Redis address is configured.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache returns a MemoryCache that purges expired entries every minute.
func NewMemoryCache() *MemoryCache {
	return newMemoryCache(time.Minute)
}

func newMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *MemoryCache) Set(_ context.Context, key, value string, expiration time.Duration) error {
	c.items.Set(key, value, memoryExpiration(expiration))
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	value, ok := c.items.Get(key)
	if !ok {
		return "", ErrCacheMiss
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("preview: unexpected cache value %T for %s", value, key)
	}
	return s, nil
}

func (c *MemoryCache) Expire(_ context.Context, key string, expiration time.Duration) error {
	value, ok := c.items.Get(key)
	if !ok {
		return ErrCacheMiss
	}
	if err := c.items.Replace(key, value, memoryExpiration(expiration)); err != nil {
		return ErrCacheMiss
	}
	return nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

// Len reports stored entries, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

// go-cache reads 0 as "use the default", so no expiry is spelled out explicitly.
func memoryExpiration(expiration time.Duration) time.Duration {
	if expiration <= 0 {
		return gocache.NoExpiration
	}
	return expiration
}
