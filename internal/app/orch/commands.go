package orch

import (
	"strings"

	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

// rebind takes the session-derived peer id when the transport allows it
// and the current id does not already belong to the session.
func (o *Orchestrator) rebind(want domain.PeerID, prefix string) {
	cur := o.Self()
	if cur == want || (prefix != "" && strings.HasPrefix(string(cur), prefix)) {
		return
	}
	rb, ok := o.tr.(core.Rebinder)
	if !ok {
		return
	}
	if err := rb.Rebind(want); err != nil {
		log.Warn().Str("module", "app.orch").Str("id", string(want)).Err(err).Msg("rebind failed, keeping peer id")
		return
	}
	o.Sync.SetSelfID(o.Self())
}

// Host creates a session. An empty code generates one.
func (o *Orchestrator) Host(username, code string) (string, error) {
	if o.phase != PhaseLobby {
		return "", domain.ErrAlreadyJoined
	}
	if code == "" {
		code = domain.NewSessionCode()
	}
	code = strings.ToUpper(code)
	if err := domain.ValidateSessionCode(code); err != nil {
		return "", err
	}
	if err := domain.ValidateUsername(username); err != nil {
		return "", err
	}
	o.rebind(domain.HostPeerID(code), "")
	if err := o.Sync.Host(code, username); err != nil {
		return "", err
	}
	o.persistSession(true)
	o.startSessionTimers()
	o.setPhase(PhaseHosting, "hosting")
	return code, nil
}

// Join connects to the session's host and asks to be admitted. The
// outcome arrives asynchronously as phase and session events.
func (o *Orchestrator) Join(code, username string, role domain.Role) error {
	return o.join(code, username, role, "")
}

func (o *Orchestrator) join(code, username string, role domain.Role, channel domain.ChannelID) error {
	if o.phase != PhaseLobby {
		return domain.ErrAlreadyJoined
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := domain.ValidateSessionCode(code); err != nil {
		return err
	}
	if err := domain.ValidateUsername(username); err != nil {
		return err
	}
	if role == "" {
		role = domain.RoleOperator
	}
	if !role.Valid() || role == domain.RoleCommander {
		return domain.ErrInvalidRole
	}
	o.rebind(domain.JoinerPeerID(code), "gcomms-"+code+"-")
	o.pending = &pendingJoin{code: code, username: username, role: role, channel: channel, host: domain.HostPeerID(code)}
	o.setPhase(PhaseJoining, "joining "+code)
	o.dialHost()
	return nil
}

func (o *Orchestrator) dialHost() {
	p := o.pending
	if o.tr.ConnectionState(p.host) == domain.ConnConnected {
		o.sendJoinRequest()
		return
	}
	if err := o.tr.Connect(p.host); err != nil {
		log.Info().Str("module", "app.orch").Str("host", string(p.host)).Err(err).Msg("host dial failed")
		o.joinFailed()
		return
	}
	o.armJoinTimer()
}

func (o *Orchestrator) armJoinTimer() {
	if o.joinTimer != nil {
		o.joinTimer.Stop()
	}
	o.joinTimer = o.sched.AfterFunc(o.cfg.JoinTimeout, func() {
		o.joinTimer = nil
		if o.phase == PhaseJoining {
			o.joinFailed()
		}
	})
}

func (o *Orchestrator) sendJoinRequest() {
	p := o.pending
	o.sendTyped(p.host, core.MsgJoinRequest, core.JoinRequestPayload{
		UserID:      o.Self(),
		Username:    p.username,
		SessionCode: p.code,
		Role:        p.role,
		ChannelID:   p.channel,
	})
	o.armJoinTimer()
}

// joinFailed queues the join and waits for the host to come back.
func (o *Orchestrator) joinFailed() {
	if o.pending == nil {
		return
	}
	if o.joinTimer != nil {
		o.joinTimer.Stop()
		o.joinTimer = nil
	}
	err := domain.NewHostUnavailableError(o.pending.code)
	o.emit(core.Event{Type: core.EventHostUnavailable, Code: domain.HostUnavailableCode, Message: err.Message, Peer: o.pending.host})
	if _, queued := o.Queue.Pending(o.Self()); !queued {
		o.Queue.Queue(o.Self(), o.pending.username)
	}
	o.setPhase(PhaseWaiting, err.Error())
	o.armWaitRetry()
}

func (o *Orchestrator) armWaitRetry() {
	if o.waitTimer != nil {
		o.waitTimer.Stop()
	}
	o.waitTimer = o.sched.AfterFunc(o.cfg.WaitRetry, func() {
		o.waitTimer = nil
		if o.phase != PhaseWaiting || o.pending == nil {
			return
		}
		if _, ok := o.Queue.Pending(o.Self()); !ok {
			o.Queue.Prune()
			o.toLobby("join queue expired")
			return
		}
		if s := o.tr.ConnectionState(o.pending.host); s != domain.ConnConnecting && s != domain.ConnConnected {
			if err := o.tr.Connect(o.pending.host); err != nil {
				log.Debug().Str("module", "app.orch").Err(err).Msg("retry dial failed")
			}
		}
		o.armWaitRetry()
	})
}

// hostReachable drains the queue once the awaited host answers.
func (o *Orchestrator) hostReachable() {
	self := o.Self()
	reqs := o.Queue.Drain(true)
	mine := false
	for _, r := range reqs {
		if r.UserID == self {
			mine = true
		}
	}
	if !mine {
		o.toLobby("join queue expired")
		return
	}
	if o.waitTimer != nil {
		o.waitTimer.Stop()
		o.waitTimer = nil
	}
	o.setPhase(PhaseJoining, "host reachable")
	o.sendJoinRequest()
}

// Leave exits the session deliberately.
func (o *Orchestrator) Leave() error {
	if o.phase == PhaseLobby {
		return domain.ErrNotJoined
	}
	if o.Sync.Active() {
		o.broadcastTyped(core.MsgLeave, core.LeavePayload{UserID: o.Self()})
	}
	log.Info().Str("module", "app.orch").Str("session", o.Sync.Code()).Msg("leaving session")
	o.toLobby("left")
	return nil
}

// Mutate applies m on the host or forwards it there. A forwarded command
// reports success on send; a refusal arrives later as EventCommandRejected.
func (o *Orchestrator) Mutate(m domain.Mutation) error {
	if !o.Sync.Active() {
		return domain.ErrNotJoined
	}
	if o.Sync.IsHost() {
		_, err := o.Sync.ApplyLocal(m)
		return err
	}
	o.sendTyped(o.Sync.HostID(), core.MsgCommand, core.CommandPayload{Mutation: m})
	return nil
}

func (o *Orchestrator) ChangeStatus(status domain.Status) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	return o.Mutate(domain.Mutation{Kind: domain.MutationStatus, UserID: o.Self(), Status: status})
}

func (o *Orchestrator) MoveUser(user domain.PeerID, channel domain.ChannelID) error {
	if user == "" {
		user = o.Self()
	}
	return o.Mutate(domain.Mutation{Kind: domain.MutationMove, UserID: user, ChannelID: channel})
}

func (o *Orchestrator) CreateChannel(name, color string) error {
	return o.Mutate(domain.Mutation{Kind: domain.MutationCreateChannel, Channel: &domain.Channel{Name: name, Color: color}})
}

func (o *Orchestrator) SetChannelState(channel domain.ChannelID, flags domain.ChannelFlags) error {
	return o.Mutate(domain.Mutation{Kind: domain.MutationChannelState, UserID: o.Self(), ChannelID: channel, Flags: &flags})
}

// SetVolume is a local preference: persisted, never broadcast.
func (o *Orchestrator) SetVolume(channel domain.ChannelID, volume int) error {
	if err := o.Sync.SetLocalVolume(channel, volume); err != nil {
		return err
	}
	prefs := o.store.LoadPreferences()
	if prefs.ChannelVolumes == nil {
		prefs.ChannelVolumes = make(map[domain.ChannelID]int)
	}
	prefs.ChannelVolumes[channel] = volume
	return o.store.SavePreferences(prefs)
}

// Rejoin reports the stored session offered for resumption.
func (o *Orchestrator) Rejoin() (persist.RejoinOffer, bool) {
	return o.store.RejoinInfo()
}

// Resume re-enters a recently persisted session. It reports false when
// nothing restorable is stored.
func (o *Orchestrator) Resume() (bool, error) {
	if o.phase != PhaseLobby {
		return false, domain.ErrAlreadyJoined
	}
	rec, ok := o.store.RestoreSession()
	if !ok {
		return false, nil
	}
	user, ok := o.store.LoadUser()
	if !ok {
		return false, nil
	}
	if r, ok := o.store.LoadReconnect(); ok {
		log.Info().Str("module", "app.orch").Str("session", r.SessionCode).Int("attempts", r.Attempts).Msg("resuming after interrupted reconnect")
	}
	if rec.IsHost {
		_, err := o.Host(user.Username, rec.SessionCode)
		return err == nil, err
	}
	role := user.Role
	if role == domain.RoleCommander {
		role = domain.RoleSquadLeader
	}
	err := o.join(rec.SessionCode, user.Username, role, user.ChannelID)
	return err == nil, err
}

func (o *Orchestrator) persistSession(isHost bool) {
	rec := persist.SessionRecord{
		SessionCode: o.Sync.Code(),
		IsHost:      isHost,
		HostID:      o.Sync.HostID(),
		PeerID:      o.Self(),
	}
	if u, ok := o.Sync.User(o.Self()); ok {
		rec.JoinedAt = u.JoinedAt
	}
	if err := o.store.SaveSession(rec); err != nil {
		log.Error().Str("module", "app.orch").Err(err).Msg("persist session")
	}
	if err := o.store.SaveUser(o.Sync.Identity()); err != nil {
		log.Error().Str("module", "app.orch").Err(err).Msg("persist user")
	}
}
