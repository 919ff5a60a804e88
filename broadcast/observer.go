package broadcast

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ChanObserver buffers events on a channel. When the buffer is full new
// events are dropped and counted rather than blocking the publisher.
type ChanObserver struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
}

// NewChanObserver creates an observer with the given buffer size.
func NewChanObserver(size int) *ChanObserver {
	if size <= 0 {
		size = 1
	}
	return &ChanObserver{id: "chan-" + uuid.NewString(), ch: make(chan Event, size)}
}

// ID implements Observer.
func (c *ChanObserver) ID() string { return c.id }

// Deliver implements Observer.
func (c *ChanObserver) Deliver(evt Event) error {
	select {
	case c.ch <- evt:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// C returns the receive side of the buffer.
func (c *ChanObserver) C() <-chan Event { return c.ch }

// Dropped returns how many events did not fit.
func (c *ChanObserver) Dropped() uint64 { return c.dropped.Load() }
