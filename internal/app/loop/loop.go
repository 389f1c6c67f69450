// Package loop provides the single-threaded cooperative scheduler the
// session components run on. Every timer callback and every posted
// function runs on one goroutine, so the components keep no locks.
package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("loop stopped")

const defaultQueue = 256

type Loop struct {
	clk     clock.Clock
	queue   chan func()
	done    chan struct{}
	running atomic.Bool
}

func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clk:   clk,
		queue: make(chan func(), defaultQueue),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time { return l.clk.Now() }

// Post enqueues fn. It never blocks the caller: when the queue is full the
// send is handed to a goroutine, which keeps FIFO order per producer only.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	default:
		go func() {
			select {
			case l.queue <- fn:
			case <-l.done:
			}
		}()
	}
}

type loopTimer struct {
	t *clock.Timer
	// 0 pending, 1 stopped, 2 fired
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	t.t.Stop()
	return t.state.CompareAndSwap(0, 1)
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) core.Timer {
	tm := &loopTimer{}
	tm.t = l.clk.AfterFunc(d, func() {
		l.Post(func() {
			if tm.state.CompareAndSwap(0, 2) {
				fn()
			}
		})
	})
	return tm
}

// Run executes queued functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop already running")
	}
	defer close(l.done)
	log.Info().Str("module", "app.loop").Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.loop").Msg("event loop stopped")
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.loop").Interface("panic", r).Msg("recovered in loop callback")
		}
	}()
	fn()
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	l.Post(func() { res <- fn() })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}
