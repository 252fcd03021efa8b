// Package redis implements metacache.Cache on Redis so every process in a
// multi-process deployment sees the same metadata and the same
// invalidations.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aptforge/aptforge/pkg/metacache"
)

// Config holds the Redis connection settings.
type Config struct {
	// Addr is the Redis server address, host:port.
	Addr string

	// Username and Password are optional credentials.
	Username string
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix is prepended to every cache key.
	KeyPrefix string
}

// Cache is a Redis-backed metadata cache.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis at %q: %w", cfg.Addr, err)
	}

	return &Cache{client: client, prefix: cfg.KeyPrefix}, nil
}

// Get returns the cached blob for key, or metacache.ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, metacache.ErrMiss
		}

		return nil, fmt.Errorf("error getting %q from redis: %w", key, err)
	}

	return value, nil
}

// Set stores the blob under key with no expiry; the engine owns
// invalidation.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("error setting %q in redis: %w", key, err)
	}

	return nil
}

// DeleteMany removes all given keys.
func (c *Cache) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefix + key
	}

	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("error deleting keys from redis: %w", err)
	}

	return nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
