// Package heartbeat tracks per-peer liveness and classifies link health
// from the age of the last heartbeat.
package heartbeat

import (
	"slices"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

const minCheckPeriod = 100 * time.Millisecond

type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second, StaleThreshold: 10 * time.Second}
}

// Classify maps a heartbeat age onto a health class. Boundaries are inclusive.
func (c Config) Classify(age time.Duration) domain.Health {
	switch {
	case age <= 2*c.Interval:
		return domain.HealthConnected
	case age <= c.StaleThreshold:
		return domain.HealthUnstable
	default:
		return domain.HealthDisconnected
	}
}

type HealthChange struct {
	Peer     domain.PeerID
	Previous domain.Health
	Current  domain.Health
	Age      time.Duration
	At       time.Time
}

type entry struct {
	last   time.Time
	health domain.Health
}

// Monitor must only be used from the scheduler's loop.
type Monitor struct {
	cfg   Config
	sched core.Scheduler
	peers map[domain.PeerID]*entry

	subs   map[int]func(HealthChange)
	nextID int
	ticker core.Timer
}

func New(cfg Config, sched core.Scheduler) *Monitor {
	return &Monitor{
		cfg:   cfg,
		sched: sched,
		peers: make(map[domain.PeerID]*entry),
		subs:  make(map[int]func(HealthChange)),
	}
}

func (m *Monitor) Config() Config { return m.cfg }

// Subscribe registers fn for health transitions; call the returned func to
// unsubscribe.
func (m *Monitor) Subscribe(fn func(HealthChange)) func() {
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() { delete(m.subs, id) }
}

// Track starts watching a peer as if it had just sent a heartbeat.
func (m *Monitor) Track(peer domain.PeerID) {
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = &entry{last: m.sched.Now(), health: domain.HealthConnected}
	log.Debug().Str("module", "app.heartbeat").Str("peer", string(peer)).Msg("tracking peer")
}

func (m *Monitor) Forget(peer domain.PeerID) {
	delete(m.peers, peer)
}

func (m *Monitor) Tracked(peer domain.PeerID) bool {
	_, ok := m.peers[peer]
	return ok
}

// RecordHeartbeat refreshes a peer's liveness. Timestamps never move backwards.
func (m *Monitor) RecordHeartbeat(peer domain.PeerID) {
	now := m.sched.Now()
	e, ok := m.peers[peer]
	if !ok {
		m.peers[peer] = &entry{last: now, health: domain.HealthConnected}
		return
	}
	if now.After(e.last) {
		e.last = now
	}
	m.update(peer, e, now)
}

func (m *Monitor) LastHeartbeat(peer domain.PeerID) (time.Time, bool) {
	e, ok := m.peers[peer]
	if !ok {
		return time.Time{}, false
	}
	return e.last, true
}

// CheckHealth classifies one peer. An untracked peer is DISCONNECTED.
func (m *Monitor) CheckHealth(peer domain.PeerID) domain.Health {
	e, ok := m.peers[peer]
	if !ok {
		return domain.HealthDisconnected
	}
	return m.update(peer, e, m.sched.Now())
}

// CheckAll classifies every tracked peer and emits transitions after the
// whole pass, so subscribers observe a consistent snapshot.
func (m *Monitor) CheckAll() {
	now := m.sched.Now()
	var changes []HealthChange
	for _, id := range m.sortedPeers() {
		e := m.peers[id]
		if c, changed := m.classify(id, e, now); changed {
			changes = append(changes, c)
		}
	}
	for _, c := range changes {
		m.emit(c)
	}
}

// Snapshot returns the current classification of every tracked peer
// without emitting events.
func (m *Monitor) Snapshot() map[domain.PeerID]domain.Health {
	out := make(map[domain.PeerID]domain.Health, len(m.peers))
	for id, e := range m.peers {
		out[id] = e.health
	}
	return out
}

func (m *Monitor) update(id domain.PeerID, e *entry, now time.Time) domain.Health {
	if c, changed := m.classify(id, e, now); changed {
		m.emit(c)
	}
	return e.health
}

func (m *Monitor) classify(id domain.PeerID, e *entry, now time.Time) (HealthChange, bool) {
	age := now.Sub(e.last)
	h := m.cfg.Classify(age)
	if h == e.health {
		return HealthChange{}, false
	}
	c := HealthChange{Peer: id, Previous: e.health, Current: h, Age: age, At: now}
	e.health = h
	return c, true
}

func (m *Monitor) emit(c HealthChange) {
	ev := log.Info()
	if c.Current == domain.HealthDisconnected {
		ev = log.Warn()
	}
	ev.Str("module", "app.heartbeat").
		Str("peer", string(c.Peer)).
		Str("from", string(c.Previous)).
		Str("to", string(c.Current)).
		Dur("age", c.Age).
		Msg("peer health changed")

	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if fn, ok := m.subs[id]; ok {
			fn(c)
		}
	}
}

func (m *Monitor) sortedPeers() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Start arms the periodic health check.
func (m *Monitor) Start() {
	if m.ticker != nil {
		return
	}
	m.schedule()
}

func (m *Monitor) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

func (m *Monitor) checkPeriod() time.Duration {
	return max(m.cfg.Interval/3, minCheckPeriod)
}

func (m *Monitor) schedule() {
	m.ticker = m.sched.AfterFunc(m.checkPeriod(), func() {
		if m.ticker == nil {
			return
		}
		m.CheckAll()
		if m.ticker != nil {
			m.schedule()
		}
	})
}
