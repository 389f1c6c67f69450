package loop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/gcomms/internal/core"
)

// Epoch is the start time of every Manual scheduler.
var Epoch = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

// Manual is a deterministic scheduler for tests. Nothing runs until the
// test calls Drain or Advance.
type Manual struct {
	Clock *clock.Mock

	mu     sync.Mutex
	queue  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	m        *Manual
	deadline time.Time
	seq      int
	fn       func()
	done     bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func NewManual() *Manual {
	clk := clock.NewMock()
	clk.Set(Epoch)
	return &Manual{Clock: clk}
}

func (m *Manual) Now() time.Time { return m.Clock.Now() }

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) core.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, deadline: m.Clock.Now().Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs posted functions until the queue is empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline
// order and draining the queue after each.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	target := m.Clock.Now().Add(d)
	for {
		t := m.next(target)
		if t == nil {
			break
		}
		if t.deadline.After(m.Clock.Now()) {
			m.Clock.Set(t.deadline)
		}
		t.fn()
		m.Drain()
	}
	if target.After(m.Clock.Now()) {
		m.Clock.Set(target)
	}
	m.Drain()
}

func (m *Manual) next(limit time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].deadline.Equal(live[j].deadline) {
			return live[i].deadline.Before(live[j].deadline)
		}
		return live[i].seq < live[j].seq
	})
	t := live[0]
	if t.deadline.After(limit) {
		return nil
	}
	t.done = true
	return t
}

// Pending reports the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Call runs fn inline after draining, mirroring Loop.Call.
func (m *Manual) Call(_ context.Context, fn func() error) error {
	m.Drain()
	err := fn()
	m.Drain()
	return err
}
