package cacher

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCacher is an in-process Cacher backed by go-cache.
type MemoryCacher struct {
	cache *cache.Cache
}

// NewMemoryCacher creates an empty cache.
//
// Parameters:
//   - defaultExpiration: TTL used when Set is called with 0 (cache.NoExpiration for none)
//   - cleanupInterval: How often expired entries are purged
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher(defaultExpiration, cleanupInterval time.Duration) *MemoryCacher {
	return &MemoryCacher{cache: cache.New(defaultExpiration, cleanupInterval)}
}

func (c *MemoryCacher) Get(key string) ([]byte, bool) {
	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}

	data, ok := val.([]byte)
	return data, ok
}

func (c *MemoryCacher) Set(key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = cache.DefaultExpiration
	}

	c.cache.Set(key, append([]byte(nil), value...), ttl)
}

func (c *MemoryCacher) Delete(key string) {
	c.cache.Delete(key)
}

func (c *MemoryCacher) ItemCount() int {
	return c.cache.ItemCount()
}
