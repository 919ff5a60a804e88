package http

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOutbox(t *testing.T) (*Outbox, *manualClock) {
	t.Helper()
	clk := &manualClock{now: time.UnixMilli(1700000000000)}
	o, err := NewOutbox(30*time.Second, clk.Now)
	require.NoError(t, err)
	return o, clk
}

func cmdFor(clk *manualClock, id, target string) command.Command {
	return command.Command{ID: id, Target: target, Kind: command.KindRelay, Action: "on", IssuedAt: clk.Now()}
}

func ids(cmds []command.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.ID
	}
	return out
}

func TestOutbox_FirstPollOpensCursor(t *testing.T) {
	o, clk := newOutbox(t)
	assert.Equal(t, "http", o.Name())
	assert.False(t, o.Reaches(command.TargetAll))

	// published before the device ever polled
	require.NoError(t, o.PublishCommand(context.Background(), cmdFor(clk, "old", command.TargetAll)))

	assert.Empty(t, o.Collect("d1"))
	assert.True(t, o.Reaches("d1"))
	assert.True(t, o.Reaches(command.TargetAll))
	assert.False(t, o.Reaches("d2"))
	assert.Empty(t, o.Collect("d1"))
}

func TestOutbox_BroadcastReachesEachDeviceOnce(t *testing.T) {
	o, clk := newOutbox(t)
	o.Collect("d1")
	o.Collect("d2")

	ctx := context.Background()
	require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "a", command.TargetAll)))
	require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "b", "d2")))

	assert.Equal(t, []string{"a"}, ids(o.Collect("d1")))
	assert.Equal(t, []string{"a", "b"}, ids(o.Collect("d2")))
	assert.Empty(t, o.Collect("d1"))
	assert.Empty(t, o.Collect("d2"))
}

func TestOutbox_Expiry(t *testing.T) {
	o, clk := newOutbox(t)
	o.Collect("d1")

	require.NoError(t, o.PublishCommand(context.Background(), cmdFor(clk, "stale", "d1")))
	clk.Advance(31 * time.Second)

	// command and cursor both outlived the TTL
	assert.False(t, o.Reaches("d1"))
	assert.Empty(t, o.Collect("d1"))
	assert.True(t, o.Reaches("d1"))
}

func TestOutbox_IdleCursorForgotten(t *testing.T) {
	o, clk := newOutbox(t)
	o.Collect("d1")
	clk.Advance(time.Minute)

	// publishing prunes d1, so its next poll starts fresh
	require.NoError(t, o.PublishCommand(context.Background(), cmdFor(clk, "x", "d1")))
	assert.Empty(t, o.Collect("d1"))
}

func TestOutbox_RingOverflowKeepsNewest(t *testing.T) {
	o, clk := newOutbox(t)
	o.Collect("d1")

	ctx := context.Background()
	for i := 0; i < outboxCapacity+10; i++ {
		require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "c", "d1")))
	}
	assert.Len(t, o.Collect("d1"), outboxCapacity)
}

func TestOutbox_CountsEvictedLiveCommands(t *testing.T) {
	o, clk := newOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "stale", command.TargetAll)))
	clk.Advance(time.Minute)
	for i := 0; i < outboxCapacity; i++ {
		require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "c", command.TargetAll)))
	}
	assert.Zero(t, o.Evicted(), "an expired command is not a loss")

	require.NoError(t, o.PublishCommand(ctx, cmdFor(clk, "c", command.TargetAll)))
	assert.Equal(t, uint64(1), o.Evicted())
}
