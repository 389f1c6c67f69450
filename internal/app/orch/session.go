// Package orch holds the session manager: one Orchestrator per process
// owns every resilience component, routes transport traffic to them and
// turns UI commands into canonical mutations or outbound messages.
//
// All methods must run on the scheduler's loop. External callers go
// through an Executor such as loop.Loop.Call.
package orch

import (
	"errors"
	"time"

	"github.com/dkeye/gcomms/internal/app/failover"
	"github.com/dkeye/gcomms/internal/app/heartbeat"
	"github.com/dkeye/gcomms/internal/app/joinqueue"
	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/app/reconnect"
	"github.com/dkeye/gcomms/internal/app/statesync"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseJoining Phase = "joining"
	PhaseJoined  Phase = "joined"
	PhaseHosting Phase = "hosting"
	PhaseWaiting Phase = "waiting"
)

type Config struct {
	Heartbeat         heartbeat.Config
	Reconnect         reconnect.Config
	QueueTimeout      time.Duration
	JoinTimeout       time.Duration
	WaitRetry         time.Duration
	HashInterval      time.Duration
	MaxRepull         int
	JoinRateLimit     int
	JoinRateInterval  time.Duration
	// BackpressureLimit is how many consecutive refused sends reset a link.
	BackpressureLimit int
}

func DefaultConfig() Config {
	return Config{
		Heartbeat:         heartbeat.DefaultConfig(),
		Reconnect:         reconnect.DefaultConfig(),
		QueueTimeout:      joinqueue.DefaultTimeout,
		JoinTimeout:       5 * time.Second,
		WaitRetry:         2 * time.Second,
		HashInterval:      5 * time.Second,
		MaxRepull:         3,
		JoinRateLimit:     5,
		JoinRateInterval:  10 * time.Second,
		BackpressureLimit: 8,
	}
}

type pendingJoin struct {
	code     string
	username string
	role     domain.Role
	channel  domain.ChannelID
	host     domain.PeerID
}

type Orchestrator struct {
	cfg   Config
	sched core.Scheduler
	tr    core.Transport
	store *persist.Store

	Monitor   *heartbeat.Monitor
	Reconnect *reconnect.Controller
	Failover  *failover.Coordinator
	Queue     *joinqueue.Manager
	Sync      *statesync.Synchronizer

	limiter *RateLimiter
	div     *statesync.Divergence
	policy  Policy
	strikes map[domain.PeerID]int

	phase     Phase
	pending   *pendingJoin
	joinTimer core.Timer
	waitTimer core.Timer
	hbTimer   core.Timer
	hashTimer core.Timer

	subs    map[int]func(core.Event)
	nextSub int
}

func New(cfg Config, sched core.Scheduler, tr core.Transport, caps core.CapabilityProvider, store *persist.Store) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		sched:   sched,
		tr:      tr,
		store:   store,
		limiter: NewRateLimiter(sched, cfg.JoinRateLimit, cfg.JoinRateInterval),
		div:     statesync.NewDivergence(cfg.MaxRepull),
		policy:  StrikePolicy{Limit: cfg.BackpressureLimit},
		strikes: make(map[domain.PeerID]int),
		phase:   PhaseLobby,
		subs:    make(map[int]func(core.Event)),
	}
	o.Monitor = heartbeat.New(cfg.Heartbeat, sched)
	o.Reconnect = reconnect.New(cfg.Reconnect, sched, tr, store)
	o.Queue = joinqueue.New(sched, cfg.QueueTimeout)
	o.Sync = statesync.New(sched, o, tr.LocalID())
	o.Failover = failover.New(sched, caps, o.Monitor, o.Sync, o, cfg.Heartbeat.StaleThreshold)

	o.Sync.SetLocalVolumes(store.LoadPreferences().ChannelVolumes)

	o.Monitor.Subscribe(o.onHealth)
	o.Reconnect.Subscribe(o.onReconnect)
	o.Failover.Subscribe(o.onFailover)
	o.Sync.Subscribe(o.onSessionChanged)

	tr.OnMessage(func(from domain.PeerID, msg core.Message) {
		o.sched.Post(func() { o.handleMessage(from, msg) })
	})
	tr.OnConnectionStateChange(func(peer domain.PeerID, s domain.ConnectionState) {
		o.sched.Post(func() { o.handleLinkState(peer, s) })
	})
	return o
}

func (o *Orchestrator) Phase() Phase { return o.phase }

func (o *Orchestrator) Self() domain.PeerID { return o.tr.LocalID() }

// Subscribe registers a UI event listener. It runs on the loop and must
// not block.
func (o *Orchestrator) Subscribe(fn func(core.Event)) func() {
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() { delete(o.subs, id) }
}

func (o *Orchestrator) emit(ev core.Event) {
	ev.Timestamp = o.sched.Now()
	for id := 0; id < o.nextSub; id++ {
		if fn, ok := o.subs[id]; ok {
			fn(ev)
		}
	}
}

func (o *Orchestrator) setPhase(p Phase, reason string) {
	if o.phase == p {
		return
	}
	log.Info().Str("module", "app.orch").Str("from", string(o.phase)).Str("to", string(p)).Str("reason", reason).Msg("phase changed")
	o.phase = p
	o.emit(core.Event{Type: core.EventPhaseChanged, Phase: string(p), Message: reason, Code: o.Sync.Code()})
}

// Broadcast sends msg to every other member of the roster with an open link.
func (o *Orchestrator) Broadcast(msg core.Message) {
	self := o.Self()
	for _, u := range o.Sync.Users() {
		if u.ID == self {
			continue
		}
		o.send(u.ID, msg)
	}
}

func (o *Orchestrator) send(peer domain.PeerID, msg core.Message) {
	err := o.tr.Send(peer, msg)
	if err == nil {
		delete(o.strikes, peer)
		return
	}
	if errors.Is(err, core.ErrBackpressure) {
		o.backpressure(peer)
		return
	}
	ev := log.Debug()
	if !errors.Is(err, core.ErrPeerNotConnected) {
		ev = log.Warn()
	}
	ev.Str("module", "app.orch").Str("peer", string(peer)).Str("type", string(msg.Type)).Err(err).Msg("send failed")
}

func (o *Orchestrator) backpressure(peer domain.PeerID) {
	o.strikes[peer]++
	n := o.strikes[peer]
	if o.policy.OnBackpressure(peer, n) != ResetLink {
		log.Debug().Str("module", "app.orch").Str("peer", string(peer)).Int("strikes", n).Msg("peer link saturated, message dropped")
		return
	}
	delete(o.strikes, peer)
	log.Warn().Str("module", "app.orch").Str("peer", string(peer)).Int("strikes", n).Msg("peer link saturated, resetting")
	o.tr.Disconnect(peer)
}

func (o *Orchestrator) sendTyped(peer domain.PeerID, t core.MessageType, payload any) {
	msg, err := core.NewMessage(t, payload)
	if err != nil {
		log.Error().Str("module", "app.orch").Str("type", string(t)).Err(err).Msg("encode message")
		return
	}
	o.send(peer, msg)
}

func (o *Orchestrator) broadcastTyped(t core.MessageType, payload any) {
	msg, err := core.NewMessage(t, payload)
	if err != nil {
		log.Error().Str("module", "app.orch").Str("type", string(t)).Err(err).Msg("encode message")
		return
	}
	o.Broadcast(msg)
}

func (o *Orchestrator) startSessionTimers() {
	o.Monitor.Start()
	if o.hbTimer == nil {
		o.scheduleHeartbeat()
	}
	o.syncHashTimer()
}

func (o *Orchestrator) stopSessionTimers() {
	o.Monitor.Stop()
	for _, t := range []*core.Timer{&o.hbTimer, &o.hashTimer, &o.joinTimer, &o.waitTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (o *Orchestrator) scheduleHeartbeat() {
	o.hbTimer = o.sched.AfterFunc(o.cfg.Heartbeat.Interval, func() {
		o.hbTimer = nil
		if !o.Sync.Active() {
			return
		}
		o.broadcastTyped(core.MsgHeartbeat, core.HeartbeatPayload{Timestamp: o.sched.Now().UnixMilli()})
		o.store.Touch()
		o.Queue.Prune()
		o.scheduleHeartbeat()
	})
}

// syncHashTimer runs the periodic state-hash broadcast while hosting.
func (o *Orchestrator) syncHashTimer() {
	if !o.Sync.IsHost() {
		if o.hashTimer != nil {
			o.hashTimer.Stop()
			o.hashTimer = nil
		}
		return
	}
	if o.hashTimer != nil || o.cfg.HashInterval <= 0 {
		return
	}
	o.hashTimer = o.sched.AfterFunc(o.cfg.HashInterval, func() {
		o.hashTimer = nil
		if !o.Sync.IsHost() {
			return
		}
		o.broadcastTyped(core.MsgStateHash, core.StateHashPayload{Hash: o.Sync.StateHash(), Timestamp: o.sched.Now().UnixMilli()})
		o.syncHashTimer()
	})
}

func (o *Orchestrator) onSessionChanged(s domain.Session) {
	if o.Sync.Active() {
		if id := o.Sync.Identity(); id.Username != "" {
			if err := o.store.SaveUser(id); err != nil {
				log.Error().Str("module", "app.orch").Err(err).Msg("persist user")
			}
		}
	}
	snap := s
	o.emit(core.Event{Type: core.EventSessionChanged, Session: &snap, Code: s.Code})
}

// Snapshot is the current canonical view plus its hash.
func (o *Orchestrator) Snapshot() (domain.Session, string) {
	return o.Sync.Snapshot(), o.Sync.StateHash()
}

func (o *Orchestrator) PeerHealth() map[domain.PeerID]domain.Health {
	return o.Monitor.Snapshot()
}

// resetSession drops everything tied to the current session.
func (o *Orchestrator) resetSession() {
	o.stopSessionTimers()
	o.Failover.Abort()
	o.Reconnect.CancelAll()
	for _, u := range o.Sync.Users() {
		if u.ID != o.Self() {
			o.Monitor.Forget(u.ID)
			o.tr.Disconnect(u.ID)
		}
	}
	if o.pending != nil {
		o.Monitor.Forget(o.pending.host)
		o.tr.Disconnect(o.pending.host)
	}
	o.pending = nil
	o.Queue.Remove(o.Self())
	o.div.Reset()
	clear(o.strikes)
	o.Sync.Reset()
}

// toLobby abandons the session and its persisted identity.
func (o *Orchestrator) toLobby(reason string) {
	o.resetSession()
	o.store.ClearSessionData()
	o.setPhase(PhaseLobby, reason)
}
