package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes  atomic.Int64
	drops   atomic.Int64
	size    atomic.Int64
	maxSize atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a write that left the buffer holding size items.
func (s *Statistics) Write(size int) {
	if size > 0 {
		s.writes.Add(1)
	}
	s.size.Store(int64(size))
	for {
		peak := s.maxSize.Load()
		if int64(size) <= peak || s.maxSize.CompareAndSwap(peak, int64(size)) {
			return
		}
	}
}

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() {
	s.drops.Add(1)
}

// Writes returns the total number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the size after the last write.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the largest size observed.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }
