// Package cache provides a generic, thread-safe TTL cache with a background
// sweep. The deduplicator keeps its (device, packet) keys in one.
package cache

import (
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// Cache is a keyed store whose entries expire after a fixed TTL.
type Cache[V any] interface {
	// Get returns the value if present and not expired.
	Get(key string) (V, bool)

	// Set stores a value, replacing any existing entry and restarting its TTL.
	Set(key string, value V) error

	// SetIfAbsentAt stores value unless a live entry exists for key at time
	// now. It reports whether the value was stored and, if not, returns the
	// existing value. Check and insert happen under one lock.
	SetIfAbsentAt(key string, value V, now time.Time) (stored bool, existing V, err error)

	// Delete removes an entry by key and reports whether it existed.
	Delete(key string) bool

	// RemoveExpired evicts every entry expired at now and returns the count.
	RemoveExpired(now time.Time) int

	// Size returns the number of stored entries, expired or not.
	Size() int

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the background sweep.
	Close() error
}

// EvictCallback is called, outside the lock, for each expired entry.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
