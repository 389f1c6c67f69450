package joinqueue

import (
	"testing"
	"time"

	"github.com/dkeye/gcomms/internal/app/loop"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDrainBeforeExpiry checks a request queued at t=0 drains at t=20s.
func TestDrainBeforeExpiry(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, DefaultTimeout)
	q.Queue("u1", "Alpha-1")
	sched.Advance(20 * time.Second)

	got := q.Drain(true)
	require.Len(t, got, 1)
	assert.Equal(t, domain.PeerID("u1"), got[0].UserID)
	assert.Zero(t, q.Len())
}

// TestDrainAfterExpiry checks a request is silently dropped at t=35s.
func TestDrainAfterExpiry(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, DefaultTimeout)
	q.Queue("u1", "Alpha-1")
	sched.Advance(35 * time.Second)
	assert.Empty(t, q.Drain(true))
	assert.Zero(t, q.Len())
}

// TestDrainWithoutHost checks nothing leaves the queue without a host.
func TestDrainWithoutHost(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, DefaultTimeout)
	q.Queue("u1", "a")
	assert.Nil(t, q.Drain(false))
	assert.Equal(t, 1, q.Len())
}

// TestInsertionOrderAndDedup checks order is kept and duplicates refresh expiry.
func TestInsertionOrderAndDedup(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, DefaultTimeout)
	q.Queue("u1", "a")
	sched.Advance(time.Second)
	q.Queue("u2", "b")
	sched.Advance(time.Second)
	q.Queue("u3", "c")
	q.Queue("u1", "a2")
	sched.Advance(28 * time.Second)

	got := q.Drain(true)
	require.Len(t, got, 3)
	assert.Equal(t, []domain.PeerID{"u1", "u2", "u3"}, []domain.PeerID{got[0].UserID, got[1].UserID, got[2].UserID})
	assert.Equal(t, "a2", got[0].Username)
}

// TestPrune checks expired entries are dropped in place.
func TestPrune(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, 10*time.Second)
	q.Queue("old", "a")
	sched.Advance(5 * time.Second)
	q.Queue("new", "b")
	sched.Advance(6 * time.Second)

	assert.Equal(t, 1, q.Prune())
	_, ok := q.Pending("old")
	assert.False(t, ok)
	_, ok = q.Pending("new")
	assert.True(t, ok)
	q.Remove("new")
	assert.Zero(t, q.Len())
}

// TestExpiredRequeueAppends checks a user whose request lapsed rejoins at the back.
func TestExpiredRequeueAppends(t *testing.T) {
	sched := loop.NewManual()
	q := New(sched, DefaultTimeout)
	q.Queue("u1", "a")
	sched.Advance(20 * time.Second)
	q.Queue("u2", "b")
	sched.Advance(11 * time.Second)

	req := q.Queue("u1", "a2")
	assert.Equal(t, sched.Now(), req.RequestedAt)
	assert.Equal(t, 2, q.Len())

	got := q.Drain(true)
	require.Len(t, got, 2)
	assert.Equal(t, []domain.PeerID{"u2", "u1"}, []domain.PeerID{got[0].UserID, got[1].UserID})
	assert.Equal(t, sched.Now(), got[1].RequestedAt)
	assert.Equal(t, "a2", got[1].Username)
}
