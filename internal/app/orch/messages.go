package orch

import (
	"errors"

	"github.com/dkeye/gcomms/internal/app/failover"
	"github.com/dkeye/gcomms/internal/app/statesync"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	rejectRateLimited = "rate limited"
	rejectBadCode     = "invalid session code"
	rejectRedirect    = "redirect"
)

func (o *Orchestrator) handleMessage(from domain.PeerID, msg core.Message) {
	o.Monitor.RecordHeartbeat(from)

	var err error
	switch msg.Type {
	case core.MsgHeartbeat:
	case core.MsgStateUpdate:
		err = o.onStateUpdate(from, msg)
	case core.MsgHostTransfer:
		err = o.onHostTransfer(from, msg)
	case core.MsgJoinRequest:
		err = o.onJoinRequest(from, msg)
	case core.MsgJoinResponse:
		err = o.onJoinResponse(from, msg)
	case core.MsgStateHash:
		err = o.onStateHash(from, msg)
	case core.MsgStateRequest:
		o.onStateRequest(from)
	case core.MsgStateSnapshot:
		err = o.onStateSnapshot(from, msg)
	case core.MsgCommand:
		err = o.onCommand(from, msg)
	case core.MsgCommandRejected:
		err = o.onCommandRejected(from, msg)
	case core.MsgLeave:
		o.onLeave(from)
	case core.MsgMediaOffer, core.MsgMediaAnswer:
		// negotiated by the media layer on the same transport
	default:
		log.Warn().Str("module", "app.orch").Str("peer", string(from)).Str("type", string(msg.Type)).Msg("unknown message type")
	}
	if err != nil {
		log.Debug().Str("module", "app.orch").Str("peer", string(from)).Str("type", string(msg.Type)).Err(err).Msg("message ignored")
	}
}

func (o *Orchestrator) onStateUpdate(from domain.PeerID, msg core.Message) error {
	var p core.StateUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := o.Sync.ApplyRemote(from, p); err != nil {
		return err
	}
	if p.Mutation.Kind == domain.MutationJoin && p.Mutation.UserID != o.Self() {
		o.Monitor.Track(p.Mutation.UserID)
	}
	if p.Mutation.Kind == domain.MutationLeave {
		o.dropPeer(p.Mutation.UserID)
	}
	return nil
}

func (o *Orchestrator) onHostTransfer(from domain.PeerID, msg core.Message) error {
	var p core.HostTransferPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	err := o.Failover.OnHostTransfer(from, p)
	if errors.Is(err, failover.ErrHostConflict) {
		o.emit(core.Event{Type: core.EventHostConflict, Peer: from, Code: o.Sync.Code(), Message: "another peer claims to host this session"})
	}
	return err
}

func (o *Orchestrator) onJoinRequest(from domain.PeerID, msg core.Message) error {
	var p core.JoinRequestPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	reply := core.JoinResponsePayload{SessionCode: o.Sync.Code(), Timestamp: o.sched.Now().UnixMilli()}

	if !o.Sync.IsHost() {
		if o.Sync.Active() {
			reply.Error = rejectRedirect
			reply.HostID = o.Sync.HostID()
		} else {
			o.Queue.Queue(from, p.Username)
			reply.Code = domain.HostUnavailableCode
			reply.Error = domain.NewHostUnavailableError(p.SessionCode).Message
		}
		o.sendTyped(from, core.MsgJoinResponse, reply)
		return nil
	}

	switch {
	case !o.limiter.Allow(from):
		reply.Error = rejectRateLimited
	case p.SessionCode != o.Sync.Code():
		reply.Error = rejectBadCode
	default:
		_, err := o.Sync.ApplyLocal(domain.Mutation{
			Kind:      domain.MutationJoin,
			UserID:    from,
			Username:  p.Username,
			Role:      p.Role,
			ChannelID: p.ChannelID,
		})
		if err != nil {
			reply.Error = err.Error()
			break
		}
		o.Monitor.Track(from)
		snap := o.Sync.Snapshot()
		reply.Accepted = true
		reply.HostID = snap.HostID
		reply.SessionState = snap.State
		log.Info().Str("module", "app.orch").Str("session", snap.Code).Str("user", string(from)).Str("username", p.Username).Msg("join accepted")
	}
	if !reply.Accepted {
		log.Info().Str("module", "app.orch").Str("user", string(from)).Str("reason", reply.Error).Msg("join rejected")
	}
	o.sendTyped(from, core.MsgJoinResponse, reply)
	return nil
}

func (o *Orchestrator) onJoinResponse(from domain.PeerID, msg core.Message) error {
	if o.pending == nil {
		return nil
	}
	var p core.JoinResponsePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	// A host that admitted us from its queue answers unprompted.
	if from != o.pending.host && !(p.Accepted && p.HostID == from) {
		return nil
	}
	if o.joinTimer != nil {
		o.joinTimer.Stop()
		o.joinTimer = nil
	}

	if !p.Accepted {
		if p.Error == rejectRedirect && p.HostID != "" && p.HostID != o.pending.host {
			log.Info().Str("module", "app.orch").Str("host", string(p.HostID)).Msg("redirected to current host")
			o.tr.Disconnect(o.pending.host)
			o.pending.host = p.HostID
			o.dialHost()
			return nil
		}
		if p.Code == domain.HostUnavailableCode {
			o.joinFailed()
			return nil
		}
		o.emit(core.Event{Type: core.EventJoinRejected, Peer: from, Code: o.pending.code, Message: p.Error})
		o.toLobby("join rejected: " + p.Error)
		return nil
	}

	code := o.pending.code
	o.pending = nil
	o.Queue.Remove(o.Self())
	o.Sync.Adopt(code, p.HostID, p.SessionState, p.Timestamp)
	o.Monitor.Track(p.HostID)
	o.persistSession(false)
	for _, u := range o.Sync.Users() {
		if u.ID == o.Self() || u.ID == p.HostID {
			continue
		}
		if o.tr.ConnectionState(u.ID) != domain.ConnConnected {
			if err := o.tr.Connect(u.ID); err != nil {
				log.Debug().Str("module", "app.orch").Str("peer", string(u.ID)).Err(err).Msg("mesh dial failed")
			}
		}
		o.Monitor.Track(u.ID)
	}
	o.startSessionTimers()
	o.setPhase(PhaseJoined, "joined "+code)
	return nil
}

func (o *Orchestrator) onStateHash(from domain.PeerID, msg core.Message) error {
	if !o.Sync.Active() || o.Sync.IsHost() || from != o.Sync.HostID() {
		return nil
	}
	var p core.StateHashPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	switch o.div.Observe(o.Sync.StateHash(), p.Hash) {
	case statesync.InSync:
		return nil
	case statesync.Stale:
		log.Warn().Str("module", "app.orch").Str("session", o.Sync.Code()).Msg("state still diverged after repeated pulls")
		o.emit(core.Event{Type: core.EventStaleState, Peer: from, Code: o.Sync.Code(), Message: "session state may be stale"})
	}
	o.sendTyped(from, core.MsgStateRequest, struct{}{})
	return nil
}

func (o *Orchestrator) onStateRequest(from domain.PeerID) {
	if !o.Sync.IsHost() {
		return
	}
	snap := o.Sync.Snapshot()
	o.sendTyped(from, core.MsgStateSnapshot, core.StateSnapshotPayload{
		HostID:       snap.HostID,
		SessionCode:  snap.Code,
		SessionState: snap.State,
		Timestamp:    o.sched.Now().UnixMilli(),
	})
}

func (o *Orchestrator) onStateSnapshot(from domain.PeerID, msg core.Message) error {
	if !o.Sync.Active() || from != o.Sync.HostID() || o.Sync.IsHost() {
		return nil
	}
	var p core.StateSnapshotPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.HostID != from {
		return failover.ErrInvalidTransfer
	}
	o.Sync.Adopt(o.Sync.Code(), from, p.SessionState, p.Timestamp)
	return nil
}

func (o *Orchestrator) onCommand(from domain.PeerID, msg core.Message) error {
	if !o.Sync.IsHost() {
		return domain.ErrNotHost
	}
	if _, ok := o.Sync.User(from); !ok {
		return domain.ErrUnknownUser
	}
	var p core.CommandPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	m := p.Mutation
	if m.UserID == "" {
		m.UserID = from
	}
	err := o.applyCommand(from, m)
	if err != nil {
		log.Warn().Str("module", "app.orch").Str("peer", string(from)).Str("kind", string(m.Kind)).Err(err).Msg("command rejected")
		o.sendTyped(from, core.MsgCommandRejected, core.CommandRejectedPayload{Kind: m.Kind, Error: err.Error()})
	}
	return err
}

func (o *Orchestrator) applyCommand(from domain.PeerID, m domain.Mutation) error {
	if m.Kind == domain.MutationJoin || (m.Kind == domain.MutationLeave && m.UserID != from) {
		return domain.ErrNotHost
	}
	_, err := o.Sync.ApplyLocal(m)
	if m.Kind == domain.MutationLeave && err == nil {
		o.dropPeer(from)
	}
	return err
}

// onCommandRejected surfaces a host refusal of a command this peer forwarded.
func (o *Orchestrator) onCommandRejected(from domain.PeerID, msg core.Message) error {
	if from != o.Sync.HostID() {
		return domain.ErrNotHost
	}
	var p core.CommandRejectedPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	log.Warn().Str("module", "app.orch").Str("host", string(from)).Str("kind", string(p.Kind)).Str("error", p.Error).Msg("host rejected command")
	o.emit(core.Event{Type: core.EventCommandRejected, Peer: from, Code: string(p.Kind), Message: p.Error})
	return nil
}

// onLeave handles a deliberate departure. A departing host is lost
// immediately rather than after the stale threshold.
func (o *Orchestrator) onLeave(from domain.PeerID) {
	if !o.Sync.Active() {
		return
	}
	o.Reconnect.Cancel(from)
	switch {
	case o.Sync.IsHost():
		if _, ok := o.Sync.User(from); ok {
			if _, err := o.Sync.ApplyLocal(domain.Mutation{Kind: domain.MutationLeave, UserID: from}); err != nil {
				log.Warn().Str("module", "app.orch").Str("user", string(from)).Err(err).Msg("apply leave")
			}
		}
		o.dropPeer(from)
	case from == o.Sync.HostID():
		log.Info().Str("module", "app.orch").Str("host", string(from)).Msg("host left the session")
		if err := o.Failover.HostLost(from); err != nil {
			log.Info().Str("module", "app.orch").Err(err).Msg("failover after host leave")
		}
	default:
		o.dropPeer(from)
	}
}

func (o *Orchestrator) dropPeer(peer domain.PeerID) {
	if peer == o.Self() {
		return
	}
	o.Reconnect.Cancel(peer)
	o.Monitor.Forget(peer)
	o.tr.Disconnect(peer)
}
