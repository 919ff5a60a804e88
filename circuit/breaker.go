// Package circuit implements a three-state circuit breaker.
//
// The breaker is CLOSED until FailureThreshold consecutive failures, then
// OPEN: calls are rejected without running until ResetTimeout has elapsed.
// The first call after that moves it to HALF_OPEN, where at most
// SuccessThreshold trial calls may be in flight. SuccessThreshold successes
// close it; any failure reopens it with a fresh timeout.
package circuit

import (
	"sync"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// State of the breaker
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// DefaultConfig returns 5 failures, 10s reset, 3 half-open successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 3,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	TotalCalls     uint64    `json:"totalCalls"`
	TotalFailures  uint64    `json:"totalFailures"`
	TotalSuccesses uint64    `json:"totalSuccesses"`
	Rejected       uint64    `json:"rejected"`
	OpenedAt       time.Time `json:"openedAt,omitempty"`
}

// StateChangeFunc is called after a transition, outside the breaker's lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// WithFailurePredicate decides which errors count as failures. Errors for
// which it returns false are passed through without affecting state.
// By default every non-nil error counts.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	onChange  StateChangeFunc
	isFailure func(error) bool

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped on every transition
	failures  int
	successes int
	inFlight  int // admitted half-open trials
	openedAt  time.Time

	totalCalls     uint64
	totalFailures  uint64
	totalSuccesses uint64
	rejected       uint64
}

type transition struct{ from, to State }

// New creates a breaker. Non-positive thresholds fall back to DefaultConfig.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns an error wrapping errors.ErrCircuitOpen and fn is
// not run.
func (b *Breaker) Execute(fn func() error) error {
	epoch, trial, changes, err := b.admit()
	b.notify(changes)
	if err != nil {
		return err
	}

	result := fn()

	b.notify(b.record(epoch, trial, result))
	return result
}

func (b *Breaker) admit() (uint64, bool, []transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	var changes []transition

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.rejected++
			return 0, false, nil, errors.WrapTransient(errors.ErrCircuitOpen, "CircuitBreaker", "Execute", b.name+" admit")
		}
		changes = append(changes, b.moveTo(HalfOpen))
	}

	if b.state == HalfOpen {
		if b.inFlight >= b.cfg.SuccessThreshold {
			b.rejected++
			return 0, false, changes, errors.WrapTransient(errors.ErrCircuitOpen, "CircuitBreaker", "Execute", b.name+" half-open trial")
		}
		b.inFlight++
		return b.epoch, true, changes, nil
	}

	return b.epoch, false, changes, nil
}

func (b *Breaker) record(epoch uint64, trial bool, result error) []transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := result != nil && b.isFailure(result)
	neutral := result != nil && !failed
	switch {
	case failed:
		b.totalFailures++
	case !neutral:
		b.totalSuccesses++
	}

	// outcome of a call admitted under an earlier state only counts
	if epoch != b.epoch {
		return nil
	}
	if trial {
		b.inFlight--
	}
	if neutral {
		return nil
	}

	switch b.state {
	case Closed:
		if !failed {
			b.failures = 0
			return nil
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return []transition{b.moveTo(Open)}
		}
	case HalfOpen:
		if failed {
			return []transition{b.moveTo(Open)}
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			return []transition{b.moveTo(Closed)}
		}
	}
	return nil
}

// moveTo transitions state. Caller holds the lock.
func (b *Breaker) moveTo(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.epoch++
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if to == Open {
		b.openedAt = b.now()
	}
	return t
}

func (b *Breaker) notify(changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		b.onChange(b.name, c.from, c.to)
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed still reports Open until the next call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:           b.name,
		State:          b.state.String(),
		Failures:       b.failures,
		Successes:      b.successes,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
		Rejected:       b.rejected,
	}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != Closed {
		changes = append(changes, b.moveTo(Closed))
	}
	b.mu.Unlock()
	b.notify(changes)
}
