// Package memory implements metacache.Cache with an in-process map. It is
// suitable for single-instance deployments; multi-process deployments
// should use the redis backend so invalidation reaches every process.
package memory

import (
	"context"
	"sync"

	"github.com/aptforge/aptforge/pkg/metacache"
)

// Cache is an in-memory metadata cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// New returns an empty in-memory cache.
func New() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

// Get returns the cached blob for key, or metacache.ErrMiss.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.entries[key]
	if !ok {
		return nil, metacache.ErrMiss
	}

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

// Set stores the blob under key.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = stored

	return nil
}

// DeleteMany removes all given keys.
func (c *Cache) DeleteMany(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
	}

	return nil
}
