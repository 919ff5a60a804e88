package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("ingest", "breaker closed")
	status, ok := m.Get("ingest")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.True(t, status.Healthy)
	assert.Equal(t, "ingest", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("broker")
	assert.False(t, ok)
}

func TestMonitor_SinceTracksLevel(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMonitor(WithClock(func() time.Time { return now }))

	m.UpdateHealthy("broker", "connected")
	now = now.Add(time.Minute)
	m.UpdateHealthy("broker", "connected, 3 topics")

	status, _ := m.Get("broker")
	assert.Equal(t, time.Unix(1000, 0), status.Since, "message change keeps since")
	assert.Equal(t, "connected, 3 topics", status.Message)

	now = now.Add(time.Minute)
	m.UpdateDegraded("broker", "backoff")
	status, _ = m.Get("broker")
	assert.Equal(t, time.Unix(1120, 0), status.Since)
}

func TestMonitor_ChangeHandler(t *testing.T) {
	type change struct{ name, from, to string }
	var changes []change
	m := NewMonitor(WithChangeHandler(func(name string, from, to Status) {
		changes = append(changes, change{name, from.Status, to.Status})
	}))

	m.UpdateHealthy("ingest", "closed")
	m.UpdateHealthy("ingest", "closed")
	m.UpdateDegraded("ingest", "open")
	m.UpdateDegraded("ingest", "half-open")
	m.UpdateHealthy("ingest", "closed")

	assert.Equal(t, []change{
		{"ingest", StatusHealthy, StatusDegraded},
		{"ingest", StatusDegraded, StatusHealthy},
	}, changes)
}

func TestMonitor_ChangeHandlerMayReenter(t *testing.T) {
	var m *Monitor
	m = NewMonitor(WithChangeHandler(func(name string, _, _ Status) {
		_ = m.AggregateHealth("hub")
		_, _ = m.Get(name)
	}))
	m.UpdateHealthy("ingest", "closed")
	m.UpdateUnhealthy("ingest", "down")

	assert.True(t, m.AggregateHealth("hub").IsUnhealthy())
}

func TestMonitor_Aggregate(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Monitor)
		expected string
	}{
		{"empty is healthy", func(*Monitor) {}, StatusHealthy},
		{"all healthy", func(m *Monitor) {
			m.UpdateHealthy("ingest", "ok")
			m.UpdateHealthy("broker", "ok")
		}, StatusHealthy},
		{"degraded wins over healthy", func(m *Monitor) {
			m.UpdateHealthy("ingest", "ok")
			m.UpdateDegraded("broker", "reconnecting")
		}, StatusDegraded},
		{"unhealthy wins over degraded", func(m *Monitor) {
			m.UpdateDegraded("broker", "reconnecting")
			m.UpdateUnhealthy("simulation", "halted")
		}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			tt.setup(m)
			assert.Equal(t, tt.expected, m.AggregateHealth("hub").Status)
		})
	}
}

func TestMonitor_AggregateSorted(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("simulation", "idle")
	m.UpdateHealthy("broker", "connected")
	m.UpdateHealthy("ingest", "closed")

	agg := m.AggregateHealth("hub")
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "broker", agg.SubStatuses[0].Component)
	assert.Equal(t, "ingest", agg.SubStatuses[1].Component)
	assert.Equal(t, "simulation", agg.SubStatuses[2].Component)
}

// Test transport error details are not leaked through health messages
func TestStatus_SanitizesMessage(t *testing.T) {
	s := NewDegraded("broker", "dial tcp 10.0.0.5:1883: connect refused (mqtt://user:pw@broker.local:1883) password=hunter2")

	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "broker.local")
	assert.NotContains(t, s.Message, "hunter2")
	assert.Contains(t, s.Message, "[URL]")
	assert.Contains(t, s.Message, "[REDACTED]")
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.UpdateHealthy("ingest", "ok")
				_ = m.AggregateHealth("hub")
			}
		}()
	}
	wg.Wait()
	assert.True(t, m.AggregateHealth("hub").IsHealthy())
}
