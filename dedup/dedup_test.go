package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
)

func pkt(n uint32) *uint32 { return &n }

func newTestDedup(t *testing.T) *Deduplicator {
	t.Helper()
	d, err := New(context.Background(), Config{Window: 5 * time.Second, SweepInterval: time.Hour}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// Test a packet is a duplicate only within the window
func TestIsDuplicate_Window(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Unix(1700000000, 0)

	assert.False(t, d.IsDuplicate("uav-1", pkt(42), t0))
	assert.True(t, d.IsDuplicate("uav-1", pkt(42), t0.Add(2*time.Second)))
	assert.True(t, d.IsDuplicate("uav-1", pkt(42), t0.Add(4999*time.Millisecond)))
	assert.False(t, d.IsDuplicate("uav-1", pkt(42), t0.Add(6*time.Second)))
}

func TestIsDuplicate_KeyedByDevice(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Now()

	assert.False(t, d.IsDuplicate("uav-1", pkt(1), t0))
	assert.False(t, d.IsDuplicate("uav-2", pkt(1), t0))
	assert.False(t, d.IsDuplicate("uav-1", pkt(2), t0))
	assert.True(t, d.IsDuplicate("uav-2", pkt(1), t0))
}

func TestIsDuplicate_NilPacketNeverDuplicate(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		assert.False(t, d.IsDuplicate("uav-1", nil, t0))
	}
	assert.Equal(t, 0, d.Len())
}

func TestForget(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Now()

	require.False(t, d.IsDuplicate("uav-1", pkt(9), t0))
	d.Forget("uav-1", pkt(9))
	d.Forget("uav-1", nil)
	d.Forget("uav-2", pkt(9)) // unknown key
	assert.Equal(t, 0, d.Len())

	assert.False(t, d.IsDuplicate("uav-1", pkt(9), t0.Add(time.Second)))
	assert.True(t, d.IsDuplicate("uav-1", pkt(9), t0.Add(2*time.Second)))
}

func TestSweep(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Now()

	d.IsDuplicate("uav-1", pkt(1), t0)
	d.IsDuplicate("uav-1", pkt(2), t0.Add(3*time.Second))
	require.Equal(t, 2, d.Len())

	assert.Equal(t, 1, d.Sweep(t0.Add(6*time.Second)))
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 1, d.Sweep(t0.Add(9*time.Second)))
	assert.Equal(t, 0, d.Len())
}

func TestBackgroundSweep(t *testing.T) {
	d, err := New(context.Background(), Config{Window: 20 * time.Millisecond}, metric.NewMetricsRegistry(), nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 20*time.Millisecond, d.Window())
	d.IsDuplicate("uav-1", pkt(7), time.Now())
	assert.Eventually(t, func() bool { return d.Len() == 0 }, time.Second, 5*time.Millisecond)
}

// Test concurrent submissions of one packet admit exactly one
func TestIsDuplicate_Concurrent(t *testing.T) {
	d := newTestDedup(t)
	t0 := time.Now()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.IsDuplicate("uav-1", pkt(99), t0) {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}
