// ABOUTME: Thread-safe TTL cache recording how stream deliveries were settled.
// ABOUTME: Lets consumers ack redeliveries of entries they already handled or dead-lettered.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome records how a delivery was settled.
type Outcome uint8

const (
	// Handled means the handler succeeded for the entry.
	Handled Outcome = iota + 1
	// DeadLettered means the entry was copied to its dead-letter stream.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case DeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

// Key identifies an entry within a stream.
func Key(stream, id string) string {
	return stream + "|" + id
}

type cacheEntry struct {
	timestamp time.Time
	outcome   Outcome
	element   *list.Element
}

// Cache is a TTL-bounded, size-limited record of settled entries.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
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

// Lookup returns the recorded outcome for key if it has not expired.
func (c *Cache) Lookup(key string) (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.outcome, true
}

// CheckAndRecord atomically returns an existing live outcome, or records
// outcome and reports false when key is new.
func (c *Cache) CheckAndRecord(key string, outcome Outcome) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
		return entry.outcome, true
	}
	c.recordLocked(key, outcome)
	return outcome, false
}

// Record stores outcome for key, evicting the oldest entry when full.
func (c *Cache) Record(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(key, outcome)
}

// Forget removes key, undoing a record whose settlement did not go through.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

func (c *Cache) recordLocked(key string, outcome Outcome) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.outcome = outcome
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, outcome: outcome, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	interval := time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
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

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
