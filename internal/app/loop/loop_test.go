package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestManualFiresInDeadlineOrder checks timers fire by deadline then arming order.
func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual()
	var got []string
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	m.AfterFunc(time.Second, func() { got = append(got, "a") })
	m.AfterFunc(2*time.Second, func() { got = append(got, "c") })

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, got)

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, Epoch.Add(2500*time.Millisecond), m.Now())
}

// TestManualTimerStop checks a stopped timer never runs.
func TestManualTimerStop(t *testing.T) {
	m := NewManual()
	fired := false
	tm := m.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	m.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Zero(t, m.Pending())
}

// TestManualChainedTimers checks timers armed by callbacks fire within the same Advance.
func TestManualChainedTimers(t *testing.T) {
	m := NewManual()
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)
	m.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}

// TestManualClockAtFireTime checks Now inside a callback equals the timer deadline.
func TestManualClockAtFireTime(t *testing.T) {
	m := NewManual()
	var at time.Time
	m.AfterFunc(3*time.Second, func() { at = m.Now() })
	m.Advance(10 * time.Second)
	assert.Equal(t, Epoch.Add(3*time.Second), at)
}

// TestLoopRunsPostedAndTimed checks the real loop with a mock clock.
func TestLoopRunsPostedAndTimed(t *testing.T) {
	clk := clock.NewMock()
	l := New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var hits atomic.Int32
	err := l.Call(ctx, func() error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	fired := make(chan struct{})
	l.AfterFunc(time.Second, func() { close(fired) })
	stopped := l.AfterFunc(time.Second, func() { hits.Add(10) })
	assert.True(t, stopped.Stop())

	clk.Add(2 * time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, l.Call(ctx, func() error { return nil }))
	assert.Equal(t, int32(1), hits.Load())
}

// TestLoopCallAfterStop checks Call reports a stopped loop.
func TestLoopCallAfterStop(t *testing.T) {
	l := New(clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = l.Run(ctx); close(done) }()
	cancel()
	<-done
	err := l.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
