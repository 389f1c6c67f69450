package core

import "github.com/dkeye/gcomms/internal/domain"

// CapabilityProvider reports what the transport knows about a peer,
// including the local peer itself.
type CapabilityProvider interface {
	Capability(peer domain.PeerID) domain.Capability
}

type CapabilityFunc func(peer domain.PeerID) domain.Capability

func (f CapabilityFunc) Capability(peer domain.PeerID) domain.Capability { return f(peer) }
