package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTLCache_GetSetExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c, err := NewTTL[int](context.Background(), time.Second, 0, WithClock[int](clock.Now))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("a", 1))
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry expires exactly at ttl")

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
}

// Test insert-if-absent honours expiry relative to the supplied time
func TestTTLCache_SetIfAbsentAt(t *testing.T) {
	c, err := NewTTL[time.Time](context.Background(), 5*time.Second, 0)
	require.NoError(t, err)
	defer c.Close()

	t0 := time.Unix(0, 0)

	stored, _, err := c.SetIfAbsentAt("dev#1", t0, t0)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, existing, err := c.SetIfAbsentAt("dev#1", t0.Add(time.Second), t0.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, t0, existing)

	stored, _, err = c.SetIfAbsentAt("dev#1", t0.Add(6*time.Second), t0.Add(6*time.Second))
	require.NoError(t, err)
	assert.True(t, stored, "expired entry counts as absent")

	_, _, err = c.SetIfAbsentAt("", t0, t0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTLCache_RemoveExpired(t *testing.T) {
	var evicted []string
	var mu sync.Mutex
	c, err := NewTTL[int](context.Background(), time.Second, 0,
		WithEvictionCallback[int](func(key string, _ int) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer c.Close()

	t0 := time.Now()
	_, _, _ = c.SetIfAbsentAt("old", 1, t0)
	_, _, _ = c.SetIfAbsentAt("new", 2, t0.Add(900*time.Millisecond))

	assert.Equal(t, 1, c.RemoveExpired(t0.Add(1500*time.Millisecond)))
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions())
	assert.Equal(t, 0, c.RemoveExpired(t0.Add(1500*time.Millisecond)))
}

func TestTTLCache_BackgroundSweep(t *testing.T) {
	c, err := NewTTL[int](context.Background(), 20*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("k", 1))
	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTTLCache_CloseStopsSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewTTL[int](ctx, time.Second, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestTTLCache_InvalidTTL(t *testing.T) {
	_, err := NewTTL[int](context.Background(), 0, 0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTLCache_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewTTL[int](context.Background(), time.Second, 0, WithMetrics[int](registry, "dedup"))
	require.NoError(t, err)
	defer c.Close()

	now := time.Now()
	_, _, _ = c.SetIfAbsentAt("a", 1, now)
	_, _, _ = c.SetIfAbsentAt("a", 1, now)

	m := c.(*ttlCache[int]).metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.size))
}
