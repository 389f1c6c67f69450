package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/gcomms/internal/app/loop"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	calls []time.Time
	sched *loop.Manual
	err   error
}

func (d *fakeDialer) Connect(domain.PeerID) error {
	d.calls = append(d.calls, d.sched.Now())
	return d.err
}

type fakeRecorder struct {
	saved   []domain.ReconnectRecord
	cleared int
}

func (r *fakeRecorder) SaveReconnect(rec domain.ReconnectRecord) error {
	r.saved = append(r.saved, rec)
	return nil
}

func (r *fakeRecorder) ClearReconnect() error {
	r.cleared++
	return nil
}

var identity = domain.Identity{
	Username:    "Alpha-1",
	SessionCode: "ABC123",
	ChannelID:   domain.ChannelSquad1,
	Role:        domain.RoleOperator,
	Status:      domain.StatusReady,
}

func newController(t *testing.T) (*Controller, *loop.Manual, *fakeDialer, *fakeRecorder) {
	t.Helper()
	sched := loop.NewManual()
	d := &fakeDialer{sched: sched}
	r := &fakeRecorder{}
	return New(DefaultConfig(), sched, d, r), sched, d, r
}

// TestDelaySchedule checks the capped exponential sequence.
func TestDelaySchedule(t *testing.T) {
	cfg := DefaultConfig()
	var got []time.Duration
	for i := range 5 {
		got = append(got, cfg.Delay(i))
	}
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}, got)
	assert.Equal(t, 10*time.Second, cfg.Delay(9))
}

// TestAppliedSchedule checks the waits the controller arms and the dial
// offsets they produce when every attempt fails.
func TestAppliedSchedule(t *testing.T) {
	c, sched, d, _ := newController(t)
	c.cfg.AttemptTimeout = 0
	d.err = errors.New("refused")
	var waits []time.Duration
	c.Subscribe(func(tr Transition) {
		if tr.To == StateWaiting {
			waits = append(waits, tr.Delay)
		}
	})

	start := sched.Now()
	c.Start("peer", "host", identity)
	sched.Advance(time.Minute)

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}, waits)
	var offsets []time.Duration
	for _, at := range d.calls {
		offsets = append(offsets, at.Sub(start))
	}
	assert.Equal(t, []time.Duration{
		time.Second,
		3 * time.Second,
		7 * time.Second,
		15 * time.Second,
		25 * time.Second,
	}, offsets)
	assert.Equal(t, StateFailed, c.State("peer"))
}

// TestExhaustionFails checks five failed attempts end in FAILED with identity discarded.
func TestExhaustionFails(t *testing.T) {
	c, sched, d, r := newController(t)
	c.cfg.AttemptTimeout = 0
	var states []State
	c.Subscribe(func(tr Transition) { states = append(states, tr.To) })

	c.Start("host", "host", identity)
	require.Equal(t, StateWaiting, c.State("host"))
	for range 5 {
		sched.Advance(10 * time.Second)
		require.Equal(t, StateConnecting, c.State("host"))
		idn, ok := c.Identity("host")
		require.True(t, ok)
		assert.Equal(t, identity, idn)
		c.OnAttemptFailed("host", errors.New("ice failed"))
	}

	assert.Equal(t, StateFailed, c.State("host"))
	idn, _ := c.Identity("host")
	assert.True(t, idn.IsZero())
	assert.Len(t, d.calls, 5)
	assert.Equal(t, 1, r.cleared)
	require.Len(t, r.saved, 5)
	assert.Equal(t, 5, r.saved[4].Attempts)
	assert.Equal(t, "ABC123", r.saved[4].SessionCode)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

// TestAttemptTimeout checks an unanswered attempt is failed by the timer.
func TestAttemptTimeout(t *testing.T) {
	c, sched, d, _ := newController(t)
	c.Start("peer", "host", identity)
	sched.Advance(time.Second)
	assert.Equal(t, StateConnecting, c.State("peer"))
	sched.Advance(5 * time.Second)
	assert.Equal(t, StateWaiting, c.State("peer"))
	sched.Advance(2 * time.Second)
	assert.Equal(t, StateConnecting, c.State("peer"))
	assert.Len(t, d.calls, 2)
}

// TestConnectedCancelsRetry checks success supersedes the pending timer.
func TestConnectedCancelsRetry(t *testing.T) {
	c, sched, d, r := newController(t)
	c.Start("peer", "host", identity)
	sched.Advance(time.Second)
	c.OnAttemptFailed("peer", errors.New("x"))
	require.Equal(t, StateWaiting, c.State("peer"))

	c.OnConnected("peer")
	assert.Equal(t, StateConnected, c.State("peer"))
	sched.Advance(time.Minute)
	assert.Len(t, d.calls, 1)
	assert.Equal(t, 1, r.cleared)
}

// TestConnectedBeforeFirstAttempt checks a link restored by the remote side
// during the first wait is never dialled.
func TestConnectedBeforeFirstAttempt(t *testing.T) {
	c, sched, d, r := newController(t)
	c.Start("peer", "host", identity)
	c.OnConnected("peer")
	assert.Equal(t, StateConnected, c.State("peer"))
	sched.Advance(time.Minute)
	assert.Empty(t, d.calls)
	assert.Zero(t, r.cleared)
}

// TestSingleAttemptInFlight checks Start is idempotent while reconnecting.
func TestSingleAttemptInFlight(t *testing.T) {
	c, sched, d, _ := newController(t)
	c.Start("peer", "host", identity)
	c.Start("peer", "host", identity)
	sched.Advance(time.Second)
	c.Start("peer", "host", identity)
	assert.Len(t, d.calls, 1)
	rec, ok := c.Record("peer")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.LessOrEqual(t, rec.Attempts, rec.MaxAttempts)
}

// TestCancel checks an explicit leave stops retries and returns to IDLE.
func TestCancel(t *testing.T) {
	c, sched, d, r := newController(t)
	c.Start("peer", "host", identity)
	sched.Advance(time.Second)
	c.OnAttemptFailed("peer", errors.New("x"))
	c.Cancel("peer")
	assert.Equal(t, StateIdle, c.State("peer"))
	sched.Advance(time.Minute)
	assert.Len(t, d.calls, 1)
	assert.Equal(t, 1, r.cleared)
	_, ok := c.Identity("peer")
	assert.False(t, ok)
}
