package orch

import (
	"errors"

	"github.com/dkeye/gcomms/internal/app/failover"
	"github.com/dkeye/gcomms/internal/app/heartbeat"
	"github.com/dkeye/gcomms/internal/app/reconnect"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) member(peer domain.PeerID) bool {
	if peer == o.Self() {
		return false
	}
	_, ok := o.Sync.User(peer)
	return ok
}

// handleLinkState routes transport transitions. A link the transport
// reports lost belongs to the reconnection controller. For the host link
// that lasts only until heartbeat classification declares the host
// DISCONNECTED, at which point failover takes over.
func (o *Orchestrator) handleLinkState(peer domain.PeerID, s domain.ConnectionState) {
	log.Debug().Str("module", "app.orch").Str("peer", string(peer)).Str("state", string(s)).Msg("link state")

	if s == domain.ConnConnected {
		o.onLinkUp(peer)
		return
	}
	if !s.Down() {
		return
	}

	if o.Reconnect.Active(peer) {
		if s != domain.ConnClosed {
			o.Reconnect.OnAttemptFailed(peer, errors.New("link "+string(s)))
		}
		return
	}
	if o.pending != nil && peer == o.pending.host {
		if o.phase == PhaseJoining {
			o.joinFailed()
		}
		return
	}
	if !o.Sync.Active() || !o.member(peer) {
		return
	}
	if peer == o.Sync.HostID() && o.Failover.InProgress() {
		return
	}
	o.Reconnect.Start(peer, o.Sync.HostID(), o.Sync.Identity())
}

func (o *Orchestrator) onLinkUp(peer domain.PeerID) {
	o.Monitor.RecordHeartbeat(peer)
	if o.Reconnect.Active(peer) {
		o.Reconnect.OnConnected(peer)
		o.store.Touch()
	}
	if o.pending == nil || peer != o.pending.host {
		return
	}
	switch o.phase {
	case PhaseJoining:
		o.sendJoinRequest()
	case PhaseWaiting:
		o.hostReachable()
	}
}

func (o *Orchestrator) onHealth(c heartbeat.HealthChange) {
	o.emit(core.Event{Type: core.EventHealthChanged, Peer: c.Peer, Health: c.Current, Code: o.Sync.Code()})
	if c.Current != domain.HealthDisconnected {
		return
	}
	if !o.Sync.Active() || !o.member(c.Peer) {
		if o.pending == nil || c.Peer != o.pending.host {
			o.Monitor.Forget(c.Peer)
		}
		return
	}
	if c.Peer == o.Sync.HostID() && !o.Sync.IsHost() {
		// Redialling a lost host stops here: a DISCONNECTED host is replaced.
		o.Reconnect.Cancel(c.Peer)
		if err := o.Failover.HostLost(c.Peer); err != nil && !errors.Is(err, domain.ErrHostUnavailable) {
			log.Info().Str("module", "app.orch").Err(err).Msg("failover not started")
		}
		return
	}
	if o.Reconnect.Active(c.Peer) {
		return
	}
	o.Reconnect.Start(c.Peer, o.Sync.HostID(), o.Sync.Identity())
}

func (o *Orchestrator) onReconnect(t reconnect.Transition) {
	o.emit(core.Event{Type: core.EventReconnect, Peer: t.Peer, State: string(t.To), Code: o.Sync.Code()})
	if t.To != reconnect.StateFailed {
		return
	}
	switch {
	case !o.Sync.Active():
	case t.Peer == o.Sync.HostID() && !o.Sync.IsHost():
		log.Warn().Str("module", "app.orch").Str("host", string(t.Peer)).Msg("host link lost for good")
		o.toLobby("reconnect failed")
	case o.Sync.IsHost():
		if o.member(t.Peer) {
			if _, err := o.Sync.ApplyLocal(domain.Mutation{Kind: domain.MutationLeave, UserID: t.Peer}); err != nil {
				log.Warn().Str("module", "app.orch").Str("user", string(t.Peer)).Err(err).Msg("remove unreachable user")
			}
		}
		o.Monitor.Forget(t.Peer)
	default:
		o.Monitor.Forget(t.Peer)
	}
}

func (o *Orchestrator) onFailover(out failover.Outcome) {
	if out.PrevHost != "" {
		o.Reconnect.Cancel(out.PrevHost)
		o.Monitor.Forget(out.PrevHost)
		o.tr.Disconnect(out.PrevHost)
	}
	if out.Err != nil {
		var hu *domain.HostUnavailableError
		msg := out.Err.Error()
		if errors.As(out.Err, &hu) {
			msg = hu.Message
		}
		o.emit(core.Event{Type: core.EventHostUnavailable, Code: domain.HostUnavailableCode, Message: msg, Peer: out.PrevHost})
		o.enterWaiting(out.PrevHost)
		return
	}

	o.div.Reset()
	o.Monitor.Track(out.NewHost)
	if out.Self {
		o.persistSession(true)
		o.setPhase(PhaseHosting, "promoted to host")
		o.emit(core.Event{Type: core.EventHostPromoted, Peer: out.NewHost, Code: o.Sync.Code()})
		o.admitQueued()
	} else {
		o.persistSession(false)
		o.redirectQueued(out.NewHost)
		o.emit(core.Event{Type: core.EventHostPromoted, Peer: out.NewHost, Code: o.Sync.Code()})
	}
	o.syncHashTimer()
}

// enterWaiting parks the local user in the join queue after failover
// found nobody to promote.
func (o *Orchestrator) enterWaiting(prevHost domain.PeerID) {
	id := o.Sync.Identity()
	code := o.Sync.Code()
	o.resetSession()
	role := id.Role
	if role == "" || role == domain.RoleCommander {
		role = domain.RoleOperator
	}
	o.pending = &pendingJoin{code: code, username: id.Username, role: role, channel: id.ChannelID, host: prevHost}
	o.joinFailed()
}

// admitQueued feeds joins buffered while no host was reachable into the
// new canonical state.
func (o *Orchestrator) admitQueued() {
	for _, r := range o.Queue.Drain(true) {
		if r.UserID == o.Self() {
			continue
		}
		_, err := o.Sync.ApplyLocal(domain.Mutation{Kind: domain.MutationJoin, UserID: r.UserID, Username: r.Username})
		if err != nil {
			log.Warn().Str("module", "app.orch").Str("user", string(r.UserID)).Err(err).Msg("queued join rejected")
			continue
		}
		o.Monitor.Track(r.UserID)
		snap := o.Sync.Snapshot()
		o.sendTyped(r.UserID, core.MsgJoinResponse, core.JoinResponsePayload{
			Accepted:     true,
			HostID:       snap.HostID,
			SessionCode:  snap.Code,
			SessionState: snap.State,
			Timestamp:    o.sched.Now().UnixMilli(),
		})
	}
}

func (o *Orchestrator) redirectQueued(host domain.PeerID) {
	for _, r := range o.Queue.Drain(true) {
		if r.UserID == o.Self() {
			continue
		}
		o.sendTyped(r.UserID, core.MsgJoinResponse, core.JoinResponsePayload{
			Error:       rejectRedirect,
			HostID:      host,
			SessionCode: o.Sync.Code(),
			Timestamp:   o.sched.Now().UnixMilli(),
		})
	}
}
