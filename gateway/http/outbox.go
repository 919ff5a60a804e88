package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/pkg/buffer"
)

const outboxCapacity = 64

type queued struct {
	seq uint64
	cmd command.Command
}

// Outbox holds commands for devices that only speak request/response. A
// device collects pending commands in the reply to its next telemetry POST.
// Each device has its own cursor, so a command for "all" reaches every
// polling device once.
type Outbox struct {
	ttl  time.Duration
	now  func() time.Time
	ring buffer.Buffer[queued]

	mu      sync.Mutex
	seq     uint64
	cursors map[string]*cursor

	// commands pushed out of the ring before their TTL ran out
	evicted atomic.Uint64
}

type cursor struct {
	seq      uint64
	lastPoll time.Time
}

// NewOutbox creates an outbox whose commands expire after ttl.
func NewOutbox(ttl time.Duration, now func() time.Time) (*Outbox, error) {
	if now == nil {
		now = time.Now
	}
	o := &Outbox{
		ttl:     ttl,
		now:     now,
		cursors: make(map[string]*cursor),
	}
	ring, err := buffer.NewCircularBuffer[queued](outboxCapacity,
		buffer.WithDropCallback[queued](func(q queued) {
			if o.now().Sub(q.cmd.IssuedAt) <= o.ttl {
				o.evicted.Add(1)
			}
		}))
	if err != nil {
		return nil, err
	}
	o.ring = ring
	return o, nil
}

// Evicted counts live commands overwritten by newer ones before every
// polling device could collect them.
func (o *Outbox) Evicted() uint64 { return o.evicted.Load() }

// Name implements command.Publisher.
func (o *Outbox) Name() string { return "http" }

// Reaches implements command.Publisher. A device is reachable while it has
// polled within the command TTL.
func (o *Outbox) Reaches(target string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for id, c := range o.cursors {
		if now.Sub(c.lastPoll) > o.ttl {
			continue
		}
		if target == command.TargetAll || target == id {
			return true
		}
	}
	return false
}

// PublishCommand implements command.Publisher.
func (o *Outbox) PublishCommand(_ context.Context, cmd command.Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgetLocked()
	o.seq++
	return o.ring.Write(queued{seq: o.seq, cmd: cmd})
}

// Collect returns the unexpired commands addressed to deviceID that it has
// not collected yet. The first poll from a device only opens its cursor.
func (o *Outbox) Collect(deviceID string) []command.Command {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	c, ok := o.cursors[deviceID]
	if !ok {
		o.cursors[deviceID] = &cursor{seq: o.seq, lastPoll: now}
		return nil
	}
	c.lastPoll = now

	var out []command.Command
	for _, q := range o.ring.Snapshot() {
		if q.seq <= c.seq {
			continue
		}
		c.seq = q.seq
		if now.Sub(q.cmd.IssuedAt) > o.ttl || !q.cmd.Addresses(deviceID) {
			continue
		}
		out = append(out, q.cmd)
	}
	return out
}

// forgetLocked drops cursors idle for longer than the TTL.
func (o *Outbox) forgetLocked() {
	now := o.now()
	for id, c := range o.cursors {
		if now.Sub(c.lastPoll) > o.ttl {
			delete(o.cursors, id)
		}
	}
}
