package domain

import "time"

// Identity is what a peer keeps about itself while a link is being restored.
type Identity struct {
	Username    string    `json:"username"`
	SessionCode string    `json:"sessionCode"`
	ChannelID   ChannelID `json:"channelId"`
	Role        Role      `json:"role"`
	Status      Status    `json:"status"`
}

func (i Identity) IsZero() bool { return i == Identity{} }

// ReconnectRecord tracks reconnection progress for one link.
type ReconnectRecord struct {
	PeerID      PeerID `json:"peerId"`
	HostID      PeerID `json:"hostId"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	LastAttempt int64  `json:"lastAttempt,omitempty"`
	SessionCode string `json:"sessionCode"`
}

// JoinRequest is a join attempted while no host was reachable.
type JoinRequest struct {
	UserID      PeerID    `json:"userId"`
	Username    string    `json:"username"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r JoinRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
