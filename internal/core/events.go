package core

import (
	"time"

	"github.com/dkeye/gcomms/internal/domain"
)

type EventType string

const (
	EventHealthChanged   EventType = "health-changed"
	EventSessionChanged  EventType = "session-changed"
	EventPhaseChanged    EventType = "phase-changed"
	EventHostUnavailable EventType = "host-unavailable"
	EventHostPromoted    EventType = "host-promoted"
	EventHostConflict    EventType = "host-conflict"
	EventReconnect       EventType = "reconnect"
	EventStaleState      EventType = "stale-state"
	EventJoinRejected    EventType = "join-rejected"
	EventCommandRejected EventType = "command-rejected"
)

// Event is what the UI collaborator observes.
type Event struct {
	Type      EventType       `json:"type"`
	Peer      domain.PeerID   `json:"peer,omitempty"`
	Health    domain.Health   `json:"health,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	State     string          `json:"state,omitempty"`
	Session   *domain.Session `json:"session,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
