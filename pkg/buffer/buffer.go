// Package buffer provides a generic, thread-safe ring buffer with a
// configurable overflow policy. The state store keeps its telemetry history in
// one; statistics are always collected and may also be exported to Prometheus.
package buffer

// Buffer is a bounded, ordered collection of T.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error

	// Snapshot returns all items, oldest first, as a new slice.
	Snapshot() []T

	// Last returns up to n of the most recent items, oldest first.
	Last(n int) []T

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring of the given capacity. It fails only when
// metrics were requested and registration failed.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
