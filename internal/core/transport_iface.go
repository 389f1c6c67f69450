package core

import (
	"errors"

	"github.com/dkeye/gcomms/internal/domain"
)

var (
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrBackpressure     = errors.New("backpressure")
)

// MessageHandler receives a decoded message; from is the authenticated sender.
type MessageHandler func(from domain.PeerID, msg Message)

// ConnectionStateHandler receives per-link state transitions.
type ConnectionStateHandler func(peer domain.PeerID, state domain.ConnectionState)

// Transport abstracts the peer-link layer.
// Connect never blocks on the network: the outcome arrives as a
// connection-state event. Handlers may be invoked from any goroutine.
type Transport interface {
	LocalID() domain.PeerID
	Connect(peer domain.PeerID) error
	Disconnect(peer domain.PeerID)
	Send(peer domain.PeerID, msg Message) error
	ConnectionState(peer domain.PeerID) domain.ConnectionState
	OnMessage(MessageHandler)
	OnConnectionStateChange(ConnectionStateHandler)
}

// Rebinder is implemented by transports whose advertised peer id can be
// changed, so a peer can take the id derived from its session code.
type Rebinder interface {
	Rebind(id domain.PeerID) error
}
