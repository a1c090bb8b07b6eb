package executor

import (
	"sync"
	"time"
)

// cacheEntry holds a cached value with expiration
type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

// Cache is a thread-safe in-memory cache with TTL, used to avoid asking a
// worker service for its tool listing on every tools/list request.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCache creates a new cache instance
func NewCache() *Cache {
	return &Cache{items: make(map[string]cacheEntry)}
}

// Get retrieves a value from cache if it exists and hasn't expired
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.items[key]
	if !exists || time.Now().After(entry.expiration) {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value in cache with the given TTL
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheEntry{value: value, expiration: time.Now().Add(ttl)}
}

// Delete removes a key from cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Clear removes all entries from cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]cacheEntry)
}
