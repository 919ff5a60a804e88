package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// client is one connected peer. It is a broadcast.Observer until it
// announces itself as a device.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu       sync.Mutex
	deviceID string
	unsub    func()
}

func newClient(id string, conn *websocket.Conn, queue int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// ID implements broadcast.Observer.
func (c *client) ID() string { return c.id }

// Deliver implements broadcast.Observer. Events that do not fit the queue
// are dropped for this peer; a closed peer is reported so the hub drops it.
func (c *client) Deliver(evt broadcast.Event) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(MessageEnvelope{
		Type:      string(evt.Kind),
		ID:        evt.ID,
		Timestamp: evt.Timestamp.UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *client) enqueue(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *client) setDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

func (c *client) setUnsubscribe(fn func()) {
	c.mu.Lock()
	c.unsub = fn
	c.mu.Unlock()
}

func (c *client) unsubscribe() {
	c.mu.Lock()
	fn := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// close signals the write pump, which flushes and closes the connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.unsubscribe()
	})
}
