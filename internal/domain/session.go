package domain

import (
	"maps"
	"slices"
)

// SessionState is the payload shared between peers: teams, members and
// per-channel flags. Values handed out by the core are always deep copies.
type SessionState struct {
	Teams          []Channel                             `json:"teams"`
	ConnectedUsers []User                                `json:"connectedUsers"`
	ChannelStates  map[ChannelID]map[PeerID]ChannelFlags `json:"channelStates"`
}

func (s SessionState) Clone() SessionState {
	out := SessionState{
		Teams:          slices.Clone(s.Teams),
		ConnectedUsers: slices.Clone(s.ConnectedUsers),
		ChannelStates:  make(map[ChannelID]map[PeerID]ChannelFlags, len(s.ChannelStates)),
	}
	for ch, flags := range s.ChannelStates {
		out.ChannelStates[ch] = maps.Clone(flags)
	}
	return out
}

// Equal is structural equality; nil and empty collections compare equal.
func (s SessionState) Equal(o SessionState) bool {
	if !slices.Equal(s.Teams, o.Teams) || !slices.Equal(s.ConnectedUsers, o.ConnectedUsers) {
		return false
	}
	return maps.EqualFunc(s.ChannelStates, o.ChannelStates, func(a, b map[PeerID]ChannelFlags) bool {
		return maps.Equal(a, b)
	})
}

func (s SessionState) User(id PeerID) (User, bool) {
	for _, u := range s.ConnectedUsers {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// Session is an immutable snapshot of the canonical aggregate.
type Session struct {
	Code   string       `json:"code"`
	HostID PeerID       `json:"hostId"`
	State  SessionState `json:"sessionState"`
}

func (s Session) Equal(o Session) bool {
	return s.Code == o.Code && s.HostID == o.HostID && s.State.Equal(o.State)
}
