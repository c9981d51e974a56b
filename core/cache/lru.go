package cache

import (
	"container/list"
	"sync"
)

// LRUCache is a thread-safe, generic cache with least-recently-used
// eviction. When capacity is reached, the oldest accessed entry is evicted
// to make room. Cache hits are zero-allocation.
type LRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List
	onEvict  func(K, V)
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUOption configures an LRUCache.
type LRUOption[K comparable, V any] func(*LRUCache[K, V])

// WithEvictionCallback registers a callback invoked for every entry
// removed by capacity eviction. It is not called for explicit Remove.
// The callback runs while the cache lock is held, so it must not call
// back into the cache.
func WithEvictionCallback[K comparable, V any](fn func(K, V)) LRUOption[K, V] {
	return func(c *LRUCache[K, V]) {
		c.onEvict = fn
	}
}

// NewLRUCache creates a cache holding at most capacity entries.
// A capacity below 1 is treated as 1.
//
// Example:
//
//	c := cache.NewLRUCache[string, []byte](1000)
//	c.Put("stock:AAPL", quote)
//	if v, found := c.Get("stock:AAPL"); found {
//	    // ...
//	}
func NewLRUCache[K comparable, V any](capacity int, opts ...LRUOption[K, V]) *LRUCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}

	c := &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the value for key and marks it as most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.order.MoveToFront(el)
	return el.Value.(*lruEntry[K, V]).value, true
}

// Peek returns the value for key without updating its recency.
// Intended for maintenance scans that must not perturb eviction order.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	return el.Value.(*lruEntry[K, V]).value, true
}

// Put stores value under key, evicting the least recently used entry if
// the cache is at capacity.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Remove deletes key from the cache and returns the removed value.
func (c *LRUCache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.order.Remove(el)
	delete(c.items, key)
	return el.Value.(*lruEntry[K, V]).value, true
}

// Len returns the number of entries currently cached.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns a snapshot of all cached keys in no particular order.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

func (c *LRUCache[K, V]) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}

	entry := el.Value.(*lruEntry[K, V])
	c.order.Remove(el)
	delete(c.items, entry.key)

	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
}
