// Package reconnect drives bounded exponential-backoff reconnection for
// individual peer links.
package reconnect

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrAttemptTimeout = errors.New("reconnect attempt timed out")

type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateWaiting    State = "WAITING"
	StateConnected  State = "CONNECTED"
	StateFailed     State = "FAILED"
)

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delay is the wait before the 0-indexed attempt i: min(base*2^i, max).
func (c Config) Delay(i int) time.Duration {
	b := c.newBackOff()
	var d time.Duration
	for range i + 1 {
		d = b.NextBackOff()
	}
	return min(d, c.MaxDelay)
}

// Dialer starts a connection attempt; the outcome arrives through
// OnConnected or OnAttemptFailed.
type Dialer interface {
	Connect(peer domain.PeerID) error
}

// Recorder persists reconnect progress so a restarted peer can resume.
type Recorder interface {
	SaveReconnect(domain.ReconnectRecord) error
	ClearReconnect() error
}

type Transition struct {
	Peer     domain.PeerID
	Host     domain.PeerID
	From     State
	To       State
	Attempt  int
	Delay    time.Duration
	Identity domain.Identity
	Err      error
}

type link struct {
	peer        domain.PeerID
	host        domain.PeerID
	identity    domain.Identity
	state       State
	attempts    int
	lastAttempt time.Time
	timer       core.Timer
	bo          *backoff.ExponentialBackOff
}

// Controller keeps one state machine per link. Loop-confined.
type Controller struct {
	cfg      Config
	sched    core.Scheduler
	dialer   Dialer
	recorder Recorder

	links    map[domain.PeerID]*link
	recorded domain.PeerID

	subs   map[int]func(Transition)
	nextID int
}

func New(cfg Config, sched core.Scheduler, dialer Dialer, recorder Recorder) *Controller {
	return &Controller{
		cfg:      cfg,
		sched:    sched,
		dialer:   dialer,
		recorder: recorder,
		links:    make(map[domain.PeerID]*link),
		subs:     make(map[int]func(Transition)),
	}
}

func (c *Controller) Subscribe(fn func(Transition)) func() {
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() { delete(c.subs, id) }
}

// Start begins reconnecting to peer; attempt i is dialled after Delay(i).
// A link already reconnecting is left alone so that at most one attempt
// is in flight.
func (c *Controller) Start(peer, host domain.PeerID, identity domain.Identity) {
	if l, ok := c.links[peer]; ok && (l.state == StateConnecting || l.state == StateWaiting) {
		return
	}
	l := &link{
		peer:     peer,
		host:     host,
		identity: identity,
		state:    StateIdle,
		bo:       c.cfg.newBackOff(),
	}
	c.links[peer] = l
	log.Info().Str("module", "app.reconnect").Str("peer", string(peer)).Str("session", identity.SessionCode).Msg("link lost, reconnecting")
	c.wait(l, nil)
}

// wait arms the next attempt after the next backoff delay.
func (c *Controller) wait(l *link, err error) {
	delay := min(l.bo.NextBackOff(), c.cfg.MaxDelay)
	l.timer = c.sched.AfterFunc(delay, func() {
		if c.links[l.peer] == l && l.state == StateWaiting {
			c.attempt(l)
		}
	})
	c.set(l, StateWaiting, delay, err)
}

func (c *Controller) attempt(l *link) {
	l.timer = nil
	l.attempts++
	l.lastAttempt = c.sched.Now()
	c.set(l, StateConnecting, 0, nil)
	c.record(l)

	if err := c.dialer.Connect(l.peer); err != nil {
		c.fail(l, fmt.Errorf("dial %s: %w", l.peer, err))
		return
	}
	if c.cfg.AttemptTimeout > 0 {
		l.timer = c.sched.AfterFunc(c.cfg.AttemptTimeout, func() {
			if c.links[l.peer] == l && l.state == StateConnecting {
				l.timer = nil
				c.fail(l, ErrAttemptTimeout)
			}
		})
	}
}

func (c *Controller) fail(l *link, err error) {
	c.stopTimer(l)
	log.Debug().Str("module", "app.reconnect").Str("peer", string(l.peer)).Int("attempt", l.attempts).Err(err).Msg("reconnect attempt failed")

	if l.attempts >= c.cfg.MaxAttempts {
		l.identity = domain.Identity{}
		c.clear(l)
		log.Warn().Str("module", "app.reconnect").Str("peer", string(l.peer)).Int("attempts", l.attempts).Msg("reconnect exhausted")
		c.set(l, StateFailed, 0, err)
		return
	}
	c.wait(l, err)
}

// OnConnected supersedes any pending retry for peer.
func (c *Controller) OnConnected(peer domain.PeerID) {
	l, ok := c.links[peer]
	if !ok || (l.state != StateConnecting && l.state != StateWaiting) {
		return
	}
	c.stopTimer(l)
	c.clear(l)
	log.Info().Str("module", "app.reconnect").Str("peer", string(peer)).Int("attempts", l.attempts).Msg("link restored")
	c.set(l, StateConnected, 0, nil)
}

// OnAttemptFailed reports that the in-flight attempt for peer failed.
func (c *Controller) OnAttemptFailed(peer domain.PeerID, err error) {
	l, ok := c.links[peer]
	if !ok || l.state != StateConnecting {
		return
	}
	c.fail(l, err)
}

// Cancel abandons reconnection for peer, as on an explicit leave.
func (c *Controller) Cancel(peer domain.PeerID) {
	l, ok := c.links[peer]
	if !ok {
		return
	}
	c.stopTimer(l)
	c.clear(l)
	delete(c.links, peer)
	if l.state == StateConnecting || l.state == StateWaiting {
		from := l.state
		l.state = StateIdle
		c.emit(Transition{Peer: l.peer, Host: l.host, From: from, To: StateIdle, Attempt: l.attempts})
	}
}

// CancelAll abandons every link.
func (c *Controller) CancelAll() {
	for peer := range c.links {
		c.Cancel(peer)
	}
}

func (c *Controller) State(peer domain.PeerID) State {
	if l, ok := c.links[peer]; ok {
		return l.state
	}
	return StateIdle
}

func (c *Controller) Active(peer domain.PeerID) bool {
	s := c.State(peer)
	return s == StateConnecting || s == StateWaiting
}

func (c *Controller) Identity(peer domain.PeerID) (domain.Identity, bool) {
	l, ok := c.links[peer]
	if !ok {
		return domain.Identity{}, false
	}
	return l.identity, true
}

func (c *Controller) Record(peer domain.PeerID) (domain.ReconnectRecord, bool) {
	l, ok := c.links[peer]
	if !ok {
		return domain.ReconnectRecord{}, false
	}
	return c.recordOf(l), true
}

func (c *Controller) recordOf(l *link) domain.ReconnectRecord {
	return domain.ReconnectRecord{
		PeerID:      l.peer,
		HostID:      l.host,
		Attempts:    l.attempts,
		MaxAttempts: c.cfg.MaxAttempts,
		LastAttempt: l.lastAttempt.UnixMilli(),
		SessionCode: l.identity.SessionCode,
	}
}

func (c *Controller) record(l *link) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveReconnect(c.recordOf(l)); err != nil {
		log.Error().Str("module", "app.reconnect").Str("peer", string(l.peer)).Err(err).Msg("save reconnect record")
		return
	}
	c.recorded = l.peer
}

func (c *Controller) clear(l *link) {
	if c.recorder == nil || c.recorded != l.peer {
		return
	}
	if err := c.recorder.ClearReconnect(); err != nil {
		log.Error().Str("module", "app.reconnect").Str("peer", string(l.peer)).Err(err).Msg("clear reconnect record")
	}
	c.recorded = ""
}

func (c *Controller) stopTimer(l *link) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (c *Controller) set(l *link, to State, delay time.Duration, err error) {
	from := l.state
	l.state = to
	c.emit(Transition{
		Peer:     l.peer,
		Host:     l.host,
		From:     from,
		To:       to,
		Attempt:  l.attempts,
		Delay:    delay,
		Identity: l.identity,
		Err:      err,
	})
}

func (c *Controller) emit(t Transition) {
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.subs[id]; ok {
			fn(t)
		}
	}
}
