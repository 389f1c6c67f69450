package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/dkeye/gcomms/internal/domain"
)

type hashTeam struct {
	ID     domain.ChannelID `json:"id"`
	Name   string           `json:"name"`
	Color  string           `json:"color"`
	Listen bool             `json:"listen"`
	Speak  bool             `json:"speak"`
}

type hashUser struct {
	ID        domain.PeerID    `json:"id"`
	Username  string           `json:"username"`
	Role      domain.Role      `json:"role"`
	ChannelID domain.ChannelID `json:"channelId"`
	Status    domain.Status    `json:"status"`
	JoinedAt  int64            `json:"joinedAt"`
}

// HashState digests the canonical subset of a session: teams in order and
// users by id. Volumes, channel flags and bookkeeping timestamps are left out.
func HashState(st domain.SessionState) string {
	view := struct {
		Teams []hashTeam `json:"teams"`
		Users []hashUser `json:"connectedUsers"`
	}{
		Teams: make([]hashTeam, 0, len(st.Teams)),
		Users: make([]hashUser, 0, len(st.ConnectedUsers)),
	}
	for _, t := range st.Teams {
		view.Teams = append(view.Teams, hashTeam{ID: t.ID, Name: t.Name, Color: t.Color, Listen: t.Listen, Speak: t.Speak})
	}
	for _, u := range st.ConnectedUsers {
		view.Users = append(view.Users, hashUser{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			ChannelID: u.ChannelID,
			Status:    u.Status,
			JoinedAt:  u.JoinedAt,
		})
	}
	slices.SortFunc(view.Users, func(a, b hashUser) int { return strings.Compare(string(a.ID), string(b.ID)) })
	b, _ := json.Marshal(view)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func (s *Synchronizer) StateHash() string {
	return HashState(s.state)
}

type Verdict int

const (
	InSync Verdict = iota
	Pull
	Stale
)

func (v Verdict) String() string {
	switch v {
	case InSync:
		return "in-sync"
	case Pull:
		return "pull"
	default:
		return "stale"
	}
}

// Divergence counts consecutive hash mismatches. Each mismatch asks for a
// full pull from the host; more than maxRepull in a row is reported Stale.
type Divergence struct {
	maxRepull int
	misses    int
}

func NewDivergence(maxRepull int) *Divergence {
	return &Divergence{maxRepull: max(maxRepull, 1)}
}

func (d *Divergence) Observe(local, host string) Verdict {
	if local == host {
		d.misses = 0
		return InSync
	}
	d.misses++
	if d.misses > d.maxRepull {
		d.misses = 0
		return Stale
	}
	return Pull
}

func (d *Divergence) Reset() { d.misses = 0 }
