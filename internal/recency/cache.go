// Package recency implements a bounded set of recently seen keys used for
// at-most-once delivery. It is not a durable store: once a key is evicted
// a re-delivery of the same key is treated as new.
package recency

import "sync"

// DefaultCapacity is the number of keys retained when no capacity is given.
const DefaultCapacity = 100

// Cache remembers the most recently inserted keys. When full, the oldest
// inserted key is evicted. Lookups do not refresh a key's position, so
// eviction order is insertion order, not access order.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	head     int // index of the oldest entry
	size     int
	index    map[string]struct{}
}

// New returns a cache holding at most capacity keys. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Cache{
		capacity: capacity,
		ring:     make([]string, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

// Seen reports whether key is currently retained.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key]

	return ok
}

// Add records key. It returns false if key was already present, in which
// case its position is left unchanged.
func (c *Cache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.add(key)
}

// CheckAndAdd is an alias of Add that reads better at call sites doing
// dedup: it returns true exactly once per key while the key is retained.
func (c *Cache) CheckAndAdd(key string) bool {
	return c.Add(key)
}

func (c *Cache) add(key string) bool {
	if _, ok := c.index[key]; ok {
		return false
	}

	if c.size == c.capacity {
		oldest := c.ring[c.head]
		delete(c.index, oldest)
		c.ring[c.head] = key
		c.head = (c.head + 1) % c.capacity
	} else {
		c.ring[(c.head+c.size)%c.capacity] = key
		c.size++
	}

	c.index[key] = struct{}{}

	return true
}

// Len returns the number of retained keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Capacity returns the maximum number of retained keys.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Keys returns the retained keys, oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.size)
	for i := range c.size {
		keys = append(keys, c.ring[(c.head+i)%c.capacity])
	}

	return keys
}

// Reset forgets every key.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.ring)
	clear(c.index)
	c.head = 0
	c.size = 0
}
