// Package cache provides the bounded store of decoded segments.
package cache

import (
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidCapacity is returned when a cache is created with room for
// fewer than one entry.
var ErrInvalidCapacity = errors.New("cache capacity must be at least 1")

// SegmentCache maps segment tokens to cleaned segment bytes and evicts the
// least recently used entry once capacity is exceeded. Both Get and Put
// count as use. It is safe for concurrent use.
type SegmentCache struct {
	entries  *lru.Cache[string, []byte]
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Len       int    `json:"len"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// New creates a cache holding at most capacity segments.
func New(capacity int) (*SegmentCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidCapacity, capacity)
	}

	c := &SegmentCache{capacity: capacity}

	entries, err := lru.NewWithEvict(capacity, func(string, []byte) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.entries = entries

	return c, nil
}

// Get returns the bytes stored for key and marks it most recently used.
func (c *SegmentCache) Get(key string) ([]byte, bool) {
	data, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Put stores value under key and marks it most recently used. Storing a
// new key into a full cache evicts exactly one entry, the least recently
// used. Overwriting an existing key never evicts.
func (c *SegmentCache) Put(key string, value []byte) {
	c.entries.Add(key, value)
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	return c.entries.Len()
}

// Cap returns the maximum number of cached segments.
func (c *SegmentCache) Cap() int {
	return c.capacity
}

// Keys returns the cached keys from least to most recently used.
func (c *SegmentCache) Keys() []string {
	return c.entries.Keys()
}

// Stats returns current counters.
func (c *SegmentCache) Stats() Stats {
	return Stats{
		Len:       c.entries.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
