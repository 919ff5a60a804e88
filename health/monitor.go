package health

import (
	"sort"
	"sync"
	"time"
)

// ChangeFunc observes a component moving between healthy, degraded and
// unhealthy. Message-only updates are not reported.
type ChangeFunc func(name string, from, to Status)

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithChangeHandler registers fn for level changes. fn runs outside the
// monitor's lock and may call back into it.
func WithChangeHandler(fn ChangeFunc) MonitorOption {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor keeps the latest status per component. It is refreshed by the
// service's health loop and by component callbacks (breaker transitions,
// broker link changes) and read by GET /health.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	onChange ChangeFunc
	now      func() time.Time
}

// NewMonitor creates an empty monitor
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		statuses: make(map[string]Status),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records status for name. Since carries over while the level is
// unchanged, so it always tells how long the component has been in it.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	now := m.now()
	if status.Timestamp.IsZero() {
		status.Timestamp = now
	}

	m.mu.Lock()
	prev, seen := m.statuses[name]
	changed := seen && prev.Status != status.Status
	if seen && !changed {
		status.Since = prev.Since
	} else {
		status.Since = now
	}
	m.statuses[name] = status
	fn := m.onChange
	m.mu.Unlock()

	if changed && fn != nil {
		fn(name, prev, status)
	}
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the last status recorded for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// AggregateHealth rolls every component up under systemName, components
// sorted by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Component < subs[j].Component
	})
	return Aggregate(systemName, subs)
}
