// Package failover elects and installs a replacement host when the
// current one is lost.
package failover

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/gcomms/internal/app/statesync"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrHostConflict     = errors.New("another peer claims the host role")
	ErrInvalidTransfer  = errors.New("host-transfer not sent by the new host")
	ErrNoFailoverNeeded = errors.New("peer is not the current host")
)

const DefaultConfirmTimeout = 10 * time.Second

// HealthSource is the liveness view used to decide who is still connected.
type HealthSource interface {
	CheckHealth(peer domain.PeerID) domain.Health
}

type Outcome struct {
	PrevHost domain.PeerID
	NewHost  domain.PeerID
	Self     bool
	Err      error
}

type Coordinator struct {
	sched   core.Scheduler
	caps    core.CapabilityProvider
	health  HealthSource
	sync    *statesync.Synchronizer
	out     statesync.Broadcaster
	confirm time.Duration

	running  bool
	prevHost domain.PeerID
	excluded map[domain.PeerID]bool
	expect   domain.PeerID
	timer    core.Timer

	subs   map[int]func(Outcome)
	nextID int
}

func New(sched core.Scheduler, caps core.CapabilityProvider, health HealthSource, sync *statesync.Synchronizer, out statesync.Broadcaster, confirm time.Duration) *Coordinator {
	if confirm <= 0 {
		confirm = DefaultConfirmTimeout
	}
	return &Coordinator{
		sched:   sched,
		caps:    caps,
		health:  health,
		sync:    sync,
		out:     out,
		confirm: confirm,
		subs:    make(map[int]func(Outcome)),
	}
}

func (c *Coordinator) Subscribe(fn func(Outcome)) func() {
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() { delete(c.subs, id) }
}

// SelectCandidates orders every non-host user for promotion: squad-leaders
// before operators, then earliest joinedAt, then id. The order is total,
// so every peer evaluating the same roster picks the same candidate.
func SelectCandidates(users []domain.User, host domain.PeerID) []domain.User {
	out := make([]domain.User, 0, len(users))
	for _, u := range users {
		if u.ID != host {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b domain.User) int {
		return cmp.Or(
			cmp.Compare(a.Role.PromotionRank(), b.Role.PromotionRank()),
			cmp.Compare(a.JoinedAt, b.JoinedAt),
			strings.Compare(string(a.ID), string(b.ID)),
		)
	})
	return out
}

// Candidates are the connected, not yet excluded promotion candidates.
func (c *Coordinator) Candidates(prevHost domain.PeerID) []domain.User {
	self := c.sync.SelfID()
	var out []domain.User
	for _, u := range SelectCandidates(c.sync.Users(), prevHost) {
		if c.excluded[u.ID] {
			continue
		}
		if u.ID != self && c.health.CheckHealth(u.ID) == domain.HealthDisconnected {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (c *Coordinator) InProgress() bool { return c.running }

// Expecting is the candidate whose host-transfer is awaited, if any.
func (c *Coordinator) Expecting() domain.PeerID { return c.expect }

// HostLost starts an election for the session whose host was prev.
func (c *Coordinator) HostLost(prev domain.PeerID) error {
	if !c.sync.Active() || c.sync.HostID() != prev {
		return ErrNoFailoverNeeded
	}
	if c.running && c.prevHost == prev {
		return nil
	}
	c.running = true
	c.prevHost = prev
	c.excluded = make(map[domain.PeerID]bool)
	log.Warn().Str("module", "app.failover").Str("session", c.sync.Code()).Str("host", string(prev)).Msg("host lost, electing replacement")
	return c.elect()
}

func (c *Coordinator) elect() error {
	c.stopTimer()
	self := c.sync.SelfID()
	for _, cand := range c.Candidates(c.prevHost) {
		capab := c.caps.Capability(cand.ID)
		if !capab.Satisfies(domain.RequiredHostCapabilities) {
			log.Info().Str("module", "app.failover").Str("candidate", string(cand.ID)).
				Strs("missing", capab.Missing(domain.RequiredHostCapabilities)).Msg("candidate rejected")
			c.excluded[cand.ID] = true
			continue
		}
		if cand.ID == self {
			return c.promoteSelf()
		}
		c.await(cand.ID)
		return nil
	}
	return c.exhausted()
}

func (c *Coordinator) promoteSelf() error {
	prev := c.prevHost
	snap, ts, err := c.sync.BecomeHost(prev)
	if err != nil {
		c.finish(Outcome{PrevHost: prev, Err: err})
		return err
	}
	msg, err := core.NewMessage(core.MsgHostTransfer, core.HostTransferPayload{
		NewHostID:    snap.HostID,
		PrevHostID:   prev,
		SessionCode:  snap.Code,
		SessionState: snap.State,
		Timestamp:    ts,
	})
	if err != nil {
		c.finish(Outcome{PrevHost: prev, Err: err})
		return err
	}
	c.out.Broadcast(msg)
	log.Info().Str("module", "app.failover").Str("session", snap.Code).Str("prev", string(prev)).Msg("promoted self, host-transfer sent")
	c.finish(Outcome{PrevHost: prev, NewHost: snap.HostID, Self: true})
	return nil
}

func (c *Coordinator) await(cand domain.PeerID) {
	c.expect = cand
	log.Info().Str("module", "app.failover").Str("candidate", string(cand)).Dur("timeout", c.confirm).Msg("awaiting host-transfer")
	c.timer = c.sched.AfterFunc(c.confirm, func() {
		if !c.running || c.expect != cand {
			return
		}
		c.timer = nil
		log.Warn().Str("module", "app.failover").Str("candidate", string(cand)).Msg("candidate never announced itself")
		c.excluded[cand] = true
		_ = c.elect()
	})
}

func (c *Coordinator) exhausted() error {
	err := domain.NewHostUnavailableError(c.sync.Code())
	log.Warn().Str("module", "app.failover").Str("session", c.sync.Code()).Msg("no promotable peer")
	c.finish(Outcome{PrevHost: c.prevHost, Err: err})
	return err
}

// OnHostTransfer adopts the snapshot announced by a newly promoted host.
func (c *Coordinator) OnHostTransfer(from domain.PeerID, p core.HostTransferPayload) error {
	if p.NewHostID != from {
		return fmt.Errorf("%w: from %s announces %s", ErrInvalidTransfer, from, p.NewHostID)
	}
	if c.sync.IsHost() && from != c.sync.SelfID() {
		log.Warn().Str("module", "app.failover").Str("session", c.sync.Code()).Str("claimant", string(from)).Msg("host conflict")
		return ErrHostConflict
	}
	code := p.SessionCode
	if code == "" {
		code = c.sync.Code()
	}
	prev := c.sync.HostID()
	c.sync.Adopt(code, from, p.SessionState, p.Timestamp)
	log.Info().Str("module", "app.failover").Str("session", code).Str("host", string(from)).Msg("adopted new host")
	if c.running {
		prev = c.prevHost
	}
	c.finish(Outcome{PrevHost: prev, NewHost: from})
	return nil
}

// Abort stops any election in progress without an outcome.
func (c *Coordinator) Abort() {
	c.stopTimer()
	c.running = false
	c.expect = ""
	c.excluded = nil
}

func (c *Coordinator) finish(o Outcome) {
	c.stopTimer()
	c.running = false
	c.expect = ""
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.subs[id]; ok {
			fn(o)
		}
	}
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
