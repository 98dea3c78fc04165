// ABOUTME: Thread-safe TTL cache mapping correlation keys to message ids.
// ABOUTME: Lets a retried at-least-once send resolve to its original append.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp, and list element for a cached key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from correlation key
// to the message id the key originally produced. A client that retries a
// send with the same correlation id gets the original message back instead
// of a duplicate append. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the value recorded for key, if present and not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.value, true
}

// Remember records the value for a key. If the cache is at capacity, the
// oldest entry is evicted to make room. Re-remembering a key refreshes its
// timestamp and replaces its value.
func (c *Cache) Remember(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
