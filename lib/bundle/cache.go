// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"container/list"
	"sync"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// cacheValue is anything the cache can hold. The cache keeps one
// reference on every value it stores.
type cacheValue interface {
	cacheSize() int64
	cacheRetain()
	cacheRelease()
}

// Cache is a size-bounded LRU of decoded packets and V1 headers, shared
// by every reader of a namespace. A Cache with a max size of zero
// stores nothing.
type Cache struct {
	maxSize int64

	mu      sync.Mutex
	size    int64
	lru     *list.List // front is most recently used
	entries map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key   string
	value cacheValue
	size  int64
}

// NewCache returns a cache holding at most maxSize bytes.
func NewCache(maxSize int64) *Cache {
	return &Cache{
		maxSize: max(maxSize, 0),
		lru:     list.New(),
		entries: make(map[string]*list.Element),
	}
}

// NoCache returns a cache that never retains anything.
func NoCache() *Cache { return NewCache(0) }

// MaxSize returns the configured capacity.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Size returns the bytes currently held.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// get returns the value under key with a reference retained for the
// caller.
func (c *Cache) get(key string) (cacheValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lru.MoveToFront(element)
	entry := element.Value.(*cacheEntry)
	entry.value.cacheRetain()
	return entry.value, true
}

// add stores value under key, retaining its own reference. Values
// larger than the whole cache, and keys already present, are ignored.
func (c *Cache) add(key string, value cacheValue) {
	size := value.cacheSize()
	if size > c.maxSize {
		return
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; exists {
		c.mu.Unlock()
		return
	}
	value.cacheRetain()
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, value: value, size: size})
	c.size += size

	var evicted []cacheValue
	for c.size > c.maxSize {
		oldest := c.lru.Back()
		entry := c.lru.Remove(oldest).(*cacheEntry)
		delete(c.entries, entry.key)
		c.size -= entry.size
		c.evictions++
		evicted = append(evicted, entry.value)
	}
	c.mu.Unlock()

	for _, value := range evicted {
		value.cacheRelease()
	}
}

// Clear evicts everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	var evicted []cacheValue
	for element := c.lru.Front(); element != nil; element = element.Next() {
		evicted = append(evicted, element.Value.(*cacheEntry).value)
	}
	c.lru.Init()
	c.entries = make(map[string]*list.Element)
	c.size = 0
	c.mu.Unlock()

	for _, value := range evicted {
		value.cacheRelease()
	}
}

// GetStats adds the cache counters to stats.
func (c *Cache) GetStats(stats *storage.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats.Add("cache.hits", c.hits)
	stats.Add("cache.misses", c.misses)
	stats.Add("cache.evictions", c.evictions)
	stats.Add("cache.live_bytes", c.size)
	stats.Add("cache.entries", int64(len(c.entries)))
}
