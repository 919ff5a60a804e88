package cache

import (
	"sync/atomic"
)

// Statistics tracks cache activity. All methods are safe for concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Hit records a lookup that found a live entry.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a lookup that found nothing live.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a store that left the cache at size entries.
func (s *Statistics) Set(size int) {
	s.sets.Add(1)
	s.size.Store(int64(size))
}

// Evict records n expirations that left the cache at size entries.
func (s *Statistics) Evict(n, size int) {
	s.evictions.Add(int64(n))
	s.size.Store(int64(size))
}

// Resize records a size change that was neither a set nor an eviction.
func (s *Statistics) Resize(size int) { s.size.Store(int64(size)) }

// Hits returns the hit count.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the miss count.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of stores.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Evictions returns the number of expired entries removed.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// CurrentSize returns the size after the last mutation.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }
