package domain

import "time"

type PeerID string

type Role string

const (
	RoleCommander   Role = "commander"
	RoleSquadLeader Role = "squad-leader"
	RoleOperator    Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCommander, RoleSquadLeader, RoleOperator:
		return true
	}
	return false
}

// PromotionRank orders roles for host promotion; lower ranks first.
func (r Role) PromotionRank() int {
	switch r {
	case RoleSquadLeader:
		return 0
	case RoleOperator:
		return 1
	default:
		return 2
	}
}

// ConnectionState mirrors the peer-connection states reported by the transport.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// Down reports whether the link is gone rather than merely not yet up.
func (s ConnectionState) Down() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// Health is the liveness classification derived from heartbeat age.
type Health string

const (
	HealthConnected    Health = "CONNECTED"
	HealthUnstable     Health = "UNSTABLE"
	HealthDisconnected Health = "DISCONNECTED"
)

// Peer is the local view of one remote participant.
type Peer struct {
	ID              PeerID
	Role            Role
	ConnectionState ConnectionState
	LastHeartbeat   time.Time
	JoinedAt        time.Time
}
