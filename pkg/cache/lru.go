// Package cache provides the in-process hot tier in front of the persistent
// equivalence cache.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration so long-running servers pick up writes from other processes
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	hot := cache.NewLRU[*kg.EquivalenceSet](10000, 10*time.Minute)
//
//	if set, ok := hot.Get(key); ok {
//		return set // hot hit
//	}
//	set := loadFromStore(key)
//	hot.Put(key, set)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSize is used when NewLRU is given a non-positive size.
const DefaultSize = 1000

// LRU is a thread-safe, size-bounded cache with optional TTL.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type LRU[V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[string]*list.Element

	hits   uint64
	misses uint64

	now func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewLRU creates a cache holding at most maxSize entries. A ttl of 0 disables
// expiration.
func NewLRU[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &LRU[V]{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
		now:     time.Now,
	}
}

// Get returns the cached value and true on a hit. Expired entries are removed
// and reported as misses.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return e.value, true
}

// Put adds or replaces an entry, evicting the least recently used entry when
// the cache is full.
func (c *LRU[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = c.expiry()
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.list.PushFront(&entry[V]{key: key, value: value, expiresAt: c.expiry()})
	c.items[key] = elem
}

// PutMany stores several entries.
func (c *LRU[V]) PutMany(entries map[string]V) {
	for k, v := range entries {
		c.Put(k, v)
	}
}

// Remove removes an entry from the cache.
func (c *LRU[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *LRU[V]) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *LRU[V]) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[string]*list.Element, c.maxSize)
	}
}

func (c *LRU[V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *LRU[V]) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *LRU[V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}
