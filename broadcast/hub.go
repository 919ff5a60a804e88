// Package broadcast fans live state out to observers: dashboard sockets,
// in-process consumers and tests.
//
// Publish never takes the subscription lock. The observer list is an
// immutable slice swapped atomically on subscribe and unsubscribe, so a slow
// subscriber registration cannot stall ingestion.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
)

// EventKind is the closed set of events the hub carries.
type EventKind string

// Event kinds
const (
	EventSnapshot  EventKind = "snapshot"
	EventTelemetry EventKind = "telemetry"
	EventStatus    EventKind = "status"
	EventStats     EventKind = "stats"
	EventCommand   EventKind = "command"
	EventDevice    EventKind = "device"
	EventShutdown  EventKind = "shutdown"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventSnapshot, EventTelemetry, EventStatus, EventStats, EventCommand, EventDevice, EventShutdown:
		return true
	}
	return false
}

// Event is what observers receive. Payload is marshalled as JSON by socket
// observers.
type Event struct {
	Kind      EventKind `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Observer receives events. Deliver must not block; an observer that returns
// an error is unsubscribed.
type Observer interface {
	ID() string
	Deliver(Event) error
}

// SnapshotFunc produces the payload sent to a new observer.
type SnapshotFunc func() any

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics tracks the observer count.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.registry = registry
	}
}

// Hub is safe for concurrent use.
type Hub struct {
	observers atomic.Pointer[[]Observer]
	mu        sync.Mutex // serialises writers of observers
	snapshot  SnapshotFunc
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	published atomic.Uint64
}

// NewHub creates a hub. snapshot may be nil, in which case new observers
// receive no initial event.
func NewHub(snapshot SnapshotFunc, opts ...Option) *Hub {
	h := &Hub{
		snapshot: snapshot,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "broadcast")
	empty := []Observer{}
	h.observers.Store(&empty)
	return h
}

func newEvent(kind EventKind, payload any) Event {
	return Event{
		Kind:      kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Publish delivers an event to every current observer and returns how many
// accepted it.
func (h *Hub) Publish(kind EventKind, payload any) (int, error) {
	if !kind.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("unknown event kind %q", kind), "Hub", "Publish", "check kind")
	}

	evt := newEvent(kind, payload)
	h.published.Add(1)

	delivered := 0
	for _, o := range *h.observers.Load() {
		if err := o.Deliver(evt); err != nil {
			h.logger.Debug("observer dropped", "observer", o.ID(), "event", kind, "error", err)
			h.remove(o.ID())
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Subscribe sends the current snapshot to o and then adds it to the
// observer list. The returned function unsubscribes; it is idempotent.
func (h *Hub) Subscribe(o Observer) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.snapshot != nil {
		if err := o.Deliver(newEvent(EventSnapshot, h.snapshot())); err != nil {
			return nil, errors.WrapTransient(err, "Hub", "Subscribe", "deliver snapshot")
		}
	}

	cur := *h.observers.Load()
	next := make([]Observer, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, o)
	h.observers.Store(&next)
	h.setGauge(len(next))

	id := o.ID()
	var once sync.Once
	return func() { once.Do(func() { h.remove(id) }) }, nil
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.observers.Load()
	next := make([]Observer, 0, len(cur))
	for _, o := range cur {
		if o.ID() != id {
			next = append(next, o)
		}
	}
	if len(next) == len(cur) {
		return
	}
	h.observers.Store(&next)
	h.setGauge(len(next))
}

func (h *Hub) setGauge(n int) {
	if h.registry != nil {
		h.registry.CoreMetrics().ObserversActive.Set(float64(n))
	}
}

// Count returns the number of subscribed observers.
func (h *Hub) Count() int {
	return len(*h.observers.Load())
}

// Published returns the number of events published.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Close drops every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	empty := []Observer{}
	h.observers.Store(&empty)
	h.setGauge(0)
}
