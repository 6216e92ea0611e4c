// Package cache holds materialized attribute sets for lazily referenced
// entries, bounded by entry count and by estimated memory.
package cache

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/agentic-research/dirtree/api"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type evictReason int

const (
	reasonNone evictReason = iota
	reasonCount
	reasonMemory
)

type entry struct {
	attrs api.Attributes
	size  int64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Evictions         uint64  `json:"evictions"`
	EvictionsByCount  uint64  `json:"evictions_by_count"`
	EvictionsByMemory uint64  `json:"evictions_by_memory"`
	HitRate           float64 `json:"hit_rate"`
	Entries           int     `json:"cached_entries"`
	MemoryBytes       int64   `json:"memory_usage_bytes"`
	MaxEntries        int     `json:"max_entries"`
	MaxMemoryBytes    int64   `json:"max_memory_bytes"`
}

// LRU is a least-recently-used cache keyed by reference key.
// All operations hold one mutex so recency order and the memory estimate
// stay consistent.
type LRU struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, entry]
	maxEntries int
	maxMemory  int64
	memory     int64
	reason     evictReason

	hits, misses      uint64
	byCount, byMemory uint64
}

// New creates a cache holding at most maxEntries entries and at most
// maxMemoryBytes of estimated attribute data. A maxMemoryBytes of zero
// disables the memory bound.
func New(maxEntries int, maxMemoryBytes int64) (*LRU, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("cache: max entries must be positive, got %d", maxEntries)
	}
	if maxMemoryBytes < 0 {
		return nil, fmt.Errorf("cache: max memory must not be negative, got %d", maxMemoryBytes)
	}
	c := &LRU{maxEntries: maxEntries, maxMemory: maxMemoryBytes}
	l, err := simplelru.NewLRU[string, entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// onEvict runs under c.mu for every removal, whatever its cause.
func (c *LRU) onEvict(_ string, e entry) {
	c.memory -= e.size
	switch c.reason {
	case reasonCount:
		c.byCount++
	case reasonMemory:
		c.byMemory++
	}
}

// Get returns the cached attributes for key and records a hit or a miss.
// The returned map is shared and must not be modified.
func (c *LRU) Get(key string) (api.Attributes, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.attrs, true
}

// Put stores attrs as the most recently used entry, then evicts from the
// least recently used end until both bounds hold.
func (c *LRU) Put(key string, attrs api.Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := EstimateSize(key, attrs)
	if old, ok := c.lru.Peek(key); ok {
		c.memory -= old.size
	}
	c.reason = reasonCount
	c.lru.Add(key, entry{attrs: attrs, size: size})
	c.memory += size

	c.reason = reasonMemory
	for c.maxMemory > 0 && c.memory > c.maxMemory && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.reason = reasonNone
}

// Contains reports presence without touching recency or hit counters.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// SizeOf returns the estimated size of the entry under key, or 0.
func (c *LRU) SizeOf(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok {
		return 0
	}
	return e.size
}

// Remove drops key. Explicit removal is not counted as an eviction.
func (c *LRU) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Purge drops every entry.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.memory = 0
}

// Stats returns current counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.byCount + c.byMemory,
		EvictionsByCount:  c.byCount,
		EvictionsByMemory: c.byMemory,
		Entries:           c.lru.Len(),
		MemoryBytes:       c.memory,
		MaxEntries:        c.maxEntries,
		MaxMemoryBytes:    c.maxMemory,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// EstimateSize approximates the in-memory footprint of an entry at two
// bytes per character of its key, attribute names and values.
func EstimateSize(key string, attrs api.Attributes) int64 {
	n := utf8.RuneCountInString(key)
	for k, vs := range attrs {
		n += utf8.RuneCountInString(k)
		for _, v := range vs {
			n += utf8.RuneCountInString(v)
		}
	}
	return int64(n) * 2
}
