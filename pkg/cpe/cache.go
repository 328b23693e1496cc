package cpe

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Cache stores resolution results keyed by the raw (name, version) pair.
// An empty value is a remembered miss.
type Cache interface {
	Get(name, version string) (string, bool)
	Put(name, version, value string) error
	Clear() error
}

type cacheKey struct {
	name    string
	version string
}

// MemoryCache is safe for concurrent use; racing writers for the same key
// store equivalent values so the last one wins.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[cacheKey]string)}
}

func (c *MemoryCache) Get(name, version string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[cacheKey{name, version}]
	return v, ok
}

func (c *MemoryCache) Put(name, version, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{name, version}] = value
	return nil
}

func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]string)
	return nil
}

// LayeredCache answers from memory and falls through to an optional
// persistent layer, promoting its hits.
type LayeredCache struct {
	mem     *MemoryCache
	persist Cache
}

func NewLayeredCache(persist Cache) *LayeredCache {
	return &LayeredCache{mem: NewMemoryCache(), persist: persist}
}

func (c *LayeredCache) Get(name, version string) (string, bool) {
	if v, ok := c.mem.Get(name, version); ok {
		return v, true
	}

	if c.persist == nil {
		return "", false
	}

	v, ok := c.persist.Get(name, version)
	if ok {
		_ = c.mem.Put(name, version, v)
	}
	return v, ok
}

func (c *LayeredCache) Put(name, version, value string) error {
	_ = c.mem.Put(name, version, value)

	if c.persist == nil {
		return nil
	}

	if err := c.persist.Put(name, version, value); err != nil {
		log.WithField("name", name).Debugf("failed to persist cpe cache entry: %v", err)
		return err
	}
	return nil
}

func (c *LayeredCache) Clear() error {
	_ = c.mem.Clear()

	if c.persist == nil {
		return nil
	}
	return c.persist.Clear()
}
