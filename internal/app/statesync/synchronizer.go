// Package statesync owns the canonical session aggregate. Only the peer
// holding the host role authors writes; every other peer keeps a read
// cache that is replaced on host-transfer or when hashes diverge.
package statesync

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession     = errors.New("no active session")
	ErrNotFromHost   = errors.New("update not authored by current host")
	ErrStaleUpdate   = errors.New("update older than local copy")
	ErrInvalidChange = errors.New("invalid mutation")
)

const defaultChannelColor = "#888888"

// Broadcaster fans a message out to every connected peer.
type Broadcaster interface {
	Broadcast(msg core.Message)
}

type Synchronizer struct {
	sched core.Scheduler
	out   Broadcaster

	self    domain.PeerID
	code    string
	hostID  domain.PeerID
	state   domain.SessionState
	active  bool
	lastTS  int64
	volumes map[domain.ChannelID]int
	subs    map[int]func(domain.Session)
	nextSub int
}

func New(sched core.Scheduler, out Broadcaster, self domain.PeerID) *Synchronizer {
	return &Synchronizer{
		sched:   sched,
		out:     out,
		self:    self,
		volumes: make(map[domain.ChannelID]int),
		subs:    make(map[int]func(domain.Session)),
	}
}

func (s *Synchronizer) Subscribe(fn func(domain.Session)) func() {
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

func (s *Synchronizer) SelfID() domain.PeerID { return s.self }

// SetSelfID rebinds the local peer id while no session is active.
func (s *Synchronizer) SetSelfID(id domain.PeerID) { s.self = id }

func (s *Synchronizer) Active() bool          { return s.active }
func (s *Synchronizer) Code() string          { return s.code }
func (s *Synchronizer) HostID() domain.PeerID { return s.hostID }
func (s *Synchronizer) IsHost() bool          { return s.active && s.hostID == s.self }

// Host starts a fresh session with the local peer as commander.
func (s *Synchronizer) Host(code, username string) error {
	if err := domain.ValidateSessionCode(code); err != nil {
		return err
	}
	if err := domain.ValidateUsername(username); err != nil {
		return err
	}
	ts := s.stamp()
	s.code = code
	s.hostID = s.self
	s.active = true
	s.state = domain.SessionState{
		Teams: domain.DefaultTeams(ts),
		ConnectedUsers: []domain.User{{
			ID:        s.self,
			Username:  username,
			Role:      domain.RoleCommander,
			ChannelID: domain.ChannelCommandNet,
			Status:    domain.StatusReady,
			JoinedAt:  ts,
			UpdatedAt: ts,
		}},
		ChannelStates: make(map[domain.ChannelID]map[domain.PeerID]domain.ChannelFlags),
	}
	s.overlayVolumes()
	log.Info().Str("module", "app.statesync").Str("session", code).Str("host", string(s.self)).Msg("hosting session")
	s.notify()
	return nil
}

// Adopt replaces the local copy with a host-provided snapshot. Local
// volume preferences survive.
func (s *Synchronizer) Adopt(code string, host domain.PeerID, state domain.SessionState, ts int64) {
	s.code = code
	s.hostID = host
	s.active = true
	s.state = state.Clone()
	if s.state.ChannelStates == nil {
		s.state.ChannelStates = make(map[domain.ChannelID]map[domain.PeerID]domain.ChannelFlags)
	}
	s.lastTS = max(s.lastTS, ts)
	s.overlayVolumes()
	log.Debug().Str("module", "app.statesync").Str("session", code).Str("host", string(host)).Str("hash", s.StateHash()).Msg("adopted snapshot")
	s.notify()
}

// BecomeHost makes the local peer authoritative after the previous host
// was lost. The previous host leaves the roster and the local user is
// promoted to commander.
func (s *Synchronizer) BecomeHost(prev domain.PeerID) (domain.Session, int64, error) {
	if !s.active {
		return domain.Session{}, 0, ErrNoSession
	}
	ts := s.stamp()
	s.hostID = s.self
	s.removeUser(prev)
	for i := range s.state.ConnectedUsers {
		u := &s.state.ConnectedUsers[i]
		if u.ID == s.self {
			u.Role = domain.RoleCommander
			u.UpdatedAt = ts
		} else if u.Role == domain.RoleCommander {
			u.Role = domain.RoleSquadLeader
			u.UpdatedAt = ts
		}
	}
	log.Info().Str("module", "app.statesync").Str("session", s.code).Str("prev", string(prev)).Msg("promoted to host")
	s.notify()
	return s.Snapshot(), ts, nil
}

// Reset drops the session, as on leave or return to lobby.
func (s *Synchronizer) Reset() {
	s.code = ""
	s.hostID = ""
	s.active = false
	s.state = domain.SessionState{}
	s.notify()
}

func (s *Synchronizer) Snapshot() domain.Session {
	return domain.Session{Code: s.code, HostID: s.hostID, State: s.state.Clone()}
}

func (s *Synchronizer) Users() []domain.User {
	return slices.Clone(s.state.ConnectedUsers)
}

func (s *Synchronizer) User(id domain.PeerID) (domain.User, bool) {
	return s.state.User(id)
}

// Identity is the local user's resumable identity.
func (s *Synchronizer) Identity() domain.Identity {
	u, ok := s.state.User(s.self)
	if !ok {
		return domain.Identity{SessionCode: s.code}
	}
	return domain.Identity{
		Username:    u.Username,
		SessionCode: s.code,
		ChannelID:   u.ChannelID,
		Role:        u.Role,
		Status:      u.Status,
	}
}

// SetLocalVolume records a local preference. It is never broadcast.
func (s *Synchronizer) SetLocalVolume(ch domain.ChannelID, volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("%w: volume %d", ErrInvalidChange, volume)
	}
	s.volumes[ch] = volume
	s.overlayVolumes()
	s.notify()
	return nil
}

func (s *Synchronizer) LocalVolumes() map[domain.ChannelID]int {
	return maps.Clone(s.volumes)
}

func (s *Synchronizer) SetLocalVolumes(v map[domain.ChannelID]int) {
	s.volumes = maps.Clone(v)
	if s.volumes == nil {
		s.volumes = make(map[domain.ChannelID]int)
	}
	s.overlayVolumes()
}

// ApplyLocal validates, stamps, applies and broadcasts m. Only the host
// may call it.
func (s *Synchronizer) ApplyLocal(m domain.Mutation) (int64, error) {
	if !s.active {
		return 0, ErrNoSession
	}
	if !s.IsHost() {
		return 0, domain.ErrNotHost
	}
	ts := s.stamp()
	m, err := s.normalize(m, ts)
	if err != nil {
		return 0, err
	}
	if err := s.apply(m, ts); err != nil {
		return 0, err
	}
	log.Info().Str("module", "app.statesync").Str("session", s.code).Str("kind", string(m.Kind)).Str("user", string(m.UserID)).Msg("applied local mutation")
	msg, err := core.NewMessage(core.MsgStateUpdate, core.StateUpdatePayload{HostID: s.self, Mutation: m, Timestamp: ts})
	if err != nil {
		return ts, err
	}
	s.out.Broadcast(msg)
	s.notify()
	return ts, nil
}

// ApplyRemote merges a host-authored update. Host-owned fields are taken
// when the update is at least as new as the local copy; local preferences
// are left alone.
func (s *Synchronizer) ApplyRemote(from domain.PeerID, u core.StateUpdatePayload) error {
	if !s.active {
		return ErrNoSession
	}
	if from != s.hostID || u.HostID != s.hostID {
		return fmt.Errorf("%w: from %s, host %s", ErrNotFromHost, from, s.hostID)
	}
	s.lastTS = max(s.lastTS, u.Timestamp)
	if err := s.apply(u.Mutation, u.Timestamp); err != nil {
		return err
	}
	s.overlayVolumes()
	s.notify()
	return nil
}

func (s *Synchronizer) normalize(m domain.Mutation, ts int64) (domain.Mutation, error) {
	switch m.Kind {
	case domain.MutationJoin:
		if err := domain.ValidateUsername(m.Username); err != nil {
			return m, err
		}
		if m.UserID == "" {
			return m, fmt.Errorf("%w: join without user id", ErrInvalidChange)
		}
		if m.Role == "" {
			m.Role = domain.RoleOperator
		}
		if !m.Role.Valid() || m.Role == domain.RoleCommander {
			return m, domain.ErrInvalidRole
		}
		if m.ChannelID == "" {
			m.ChannelID = domain.ChannelSquad1
		}
		if !s.hasChannel(m.ChannelID) {
			return m, domain.ErrUnknownChannel
		}
		if m.Status == "" {
			m.Status = domain.StatusReady
		}
		if m.JoinedAt == 0 {
			m.JoinedAt = ts
		}
	case domain.MutationLeave:
		if _, ok := s.state.User(m.UserID); !ok {
			return m, domain.ErrUnknownUser
		}
	case domain.MutationStatus:
		if !m.Status.Valid() {
			return m, domain.ErrInvalidStatus
		}
		if _, ok := s.state.User(m.UserID); !ok {
			return m, domain.ErrUnknownUser
		}
	case domain.MutationMove:
		if _, ok := s.state.User(m.UserID); !ok {
			return m, domain.ErrUnknownUser
		}
		if !s.hasChannel(m.ChannelID) {
			return m, domain.ErrUnknownChannel
		}
	case domain.MutationCreateChannel:
		if m.Channel == nil || strings.TrimSpace(m.Channel.Name) == "" {
			return m, domain.ErrChannelName
		}
		ch := *m.Channel
		ch.Name = strings.TrimSpace(ch.Name)
		if ch.ID == "" {
			ch.ID = domain.ChannelID("channel-" + uuid.NewString()[:8])
		}
		if s.hasChannel(ch.ID) {
			return m, fmt.Errorf("%w: channel %s exists", ErrInvalidChange, ch.ID)
		}
		if ch.Color == "" {
			ch.Color = defaultChannelColor
		}
		ch.Listen = true
		ch.Volume = domain.DefaultVolume
		m.Channel = &ch
	case domain.MutationChannelState:
		if m.Flags == nil {
			return m, fmt.Errorf("%w: missing flags", ErrInvalidChange)
		}
		if !s.hasChannel(m.ChannelID) {
			return m, domain.ErrUnknownChannel
		}
		if _, ok := s.state.User(m.UserID); !ok {
			return m, domain.ErrUnknownUser
		}
	default:
		return m, fmt.Errorf("%w: kind %q", ErrInvalidChange, m.Kind)
	}
	return m, nil
}

func (s *Synchronizer) apply(m domain.Mutation, ts int64) error {
	switch m.Kind {
	case domain.MutationJoin:
		if i := s.userIndex(m.UserID); i >= 0 {
			u := &s.state.ConnectedUsers[i]
			if ts < u.UpdatedAt {
				return ErrStaleUpdate
			}
			u.Username, u.Role, u.ChannelID, u.Status, u.UpdatedAt = m.Username, m.Role, m.ChannelID, m.Status, ts
			return nil
		}
		s.state.ConnectedUsers = append(s.state.ConnectedUsers, domain.User{
			ID:        m.UserID,
			Username:  m.Username,
			Role:      m.Role,
			ChannelID: m.ChannelID,
			Status:    m.Status,
			JoinedAt:  m.JoinedAt,
			UpdatedAt: ts,
		})
	case domain.MutationLeave:
		i := s.userIndex(m.UserID)
		if i < 0 {
			return nil
		}
		if ts < s.state.ConnectedUsers[i].UpdatedAt {
			return ErrStaleUpdate
		}
		s.removeUser(m.UserID)
	case domain.MutationStatus, domain.MutationMove:
		i := s.userIndex(m.UserID)
		if i < 0 {
			return domain.ErrUnknownUser
		}
		u := &s.state.ConnectedUsers[i]
		if ts < u.UpdatedAt {
			return ErrStaleUpdate
		}
		if m.Kind == domain.MutationStatus {
			u.Status = m.Status
		} else {
			u.ChannelID = m.ChannelID
		}
		u.UpdatedAt = ts
	case domain.MutationCreateChannel:
		if m.Channel == nil {
			return ErrInvalidChange
		}
		if s.hasChannel(m.Channel.ID) {
			return nil
		}
		ch := *m.Channel
		ch.UpdatedAt = ts
		s.state.Teams = append(s.state.Teams, ch)
	case domain.MutationChannelState:
		if m.Flags == nil {
			return ErrInvalidChange
		}
		i := slices.IndexFunc(s.state.Teams, func(c domain.Channel) bool { return c.ID == m.ChannelID })
		if i < 0 {
			return domain.ErrUnknownChannel
		}
		if ts < s.state.Teams[i].UpdatedAt {
			return ErrStaleUpdate
		}
		s.state.Teams[i].UpdatedAt = ts
		flags := *m.Flags
		per := s.state.ChannelStates[m.ChannelID]
		if per == nil {
			per = make(map[domain.PeerID]domain.ChannelFlags)
			s.state.ChannelStates[m.ChannelID] = per
		}
		if prev, ok := per[m.UserID]; ok && m.UserID == s.self && !s.IsHost() {
			flags.Volume = prev.Volume
		}
		per[m.UserID] = flags
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidChange, m.Kind)
	}
	return nil
}

func (s *Synchronizer) removeUser(id domain.PeerID) {
	s.state.ConnectedUsers = slices.DeleteFunc(s.state.ConnectedUsers, func(u domain.User) bool { return u.ID == id })
	for _, per := range s.state.ChannelStates {
		delete(per, id)
	}
}

func (s *Synchronizer) userIndex(id domain.PeerID) int {
	return slices.IndexFunc(s.state.ConnectedUsers, func(u domain.User) bool { return u.ID == id })
}

func (s *Synchronizer) hasChannel(id domain.ChannelID) bool {
	return slices.ContainsFunc(s.state.Teams, func(c domain.Channel) bool { return c.ID == id })
}

func (s *Synchronizer) overlayVolumes() {
	for i := range s.state.Teams {
		if v, ok := s.volumes[s.state.Teams[i].ID]; ok {
			s.state.Teams[i].Volume = v
		}
	}
}

// stamp returns a strictly increasing millisecond timestamp.
func (s *Synchronizer) stamp() int64 {
	ts := max(s.sched.Now().UnixMilli(), s.lastTS+1)
	s.lastTS = ts
	return ts
}

func (s *Synchronizer) notify() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for id := 0; id < s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			fn(snap)
		}
	}
}
