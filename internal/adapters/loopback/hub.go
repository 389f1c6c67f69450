// Package loopback is an in-process Transport. Every endpoint delivers
// through its scheduler, so a set of peers sharing one loop behaves like
// a real mesh without sockets.
package loopback

import (
	"fmt"
	"sync"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

type Hub struct {
	mu        sync.Mutex
	endpoints map[domain.PeerID]*Endpoint
	caps      map[domain.PeerID]domain.Capability
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[domain.PeerID]*Endpoint),
		caps:      make(map[domain.PeerID]domain.Capability),
	}
}

// Endpoint registers (or replaces) the peer id on the hub.
func (h *Hub) Endpoint(id domain.PeerID, sched core.Scheduler) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := &Endpoint{
		hub:    h,
		id:     id,
		sched:  sched,
		online: true,
		links:  make(map[domain.PeerID]domain.ConnectionState),
	}
	h.endpoints[id] = e
	return e
}

// SetCapability overrides what every endpoint reports for peer.
func (h *Hub) SetCapability(peer domain.PeerID, c domain.Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caps[peer] = c
}

func (h *Hub) lookup(id domain.PeerID) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.endpoints[id]
	return e, ok
}

func (h *Hub) override(id domain.PeerID) (domain.Capability, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.caps[id]
	return c, ok
}

type Endpoint struct {
	hub   *Hub
	id    domain.PeerID
	sched core.Scheduler

	mu       sync.Mutex
	online   bool
	links    map[domain.PeerID]domain.ConnectionState
	onMsg    []core.MessageHandler
	onState  []core.ConnectionStateHandler
	sent     int
	received int
}

func (e *Endpoint) LocalID() domain.PeerID { return e.id }

func (e *Endpoint) OnMessage(h core.MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMsg = append(e.onMsg, h)
}

func (e *Endpoint) OnConnectionStateChange(h core.ConnectionStateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = append(e.onState, h)
}

func (e *Endpoint) ConnectionState(peer domain.PeerID) domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.links[peer]; ok {
		return s
	}
	return domain.ConnNew
}

func (e *Endpoint) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline silently cuts or restores the endpoint's network. No state
// events fire: peers only notice through missing heartbeats.
func (e *Endpoint) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
	log.Debug().Str("module", "adapters.loopback").Str("peer", string(e.id)).Bool("online", online).Msg("network toggled")
}

// Connect resolves on the loop: both sides see connected, or the caller
// sees failed when the remote is unknown or unreachable.
func (e *Endpoint) Connect(peer domain.PeerID) error {
	if e.ConnectionState(peer) == domain.ConnConnected {
		return nil
	}
	e.setLink(peer, domain.ConnConnecting)
	e.sched.Post(func() {
		remote, ok := e.hub.lookup(peer)
		if !ok || !remote.isOnline() || !e.isOnline() {
			e.transition(peer, domain.ConnFailed)
			return
		}
		e.transition(peer, domain.ConnConnected)
		remote.transition(e.id, domain.ConnConnected)
	})
	return nil
}

// Disconnect closes the link on both sides.
func (e *Endpoint) Disconnect(peer domain.PeerID) {
	if s := e.ConnectionState(peer); s != domain.ConnConnected && s != domain.ConnConnecting {
		return
	}
	e.transition(peer, domain.ConnClosed)
	if remote, ok := e.hub.lookup(peer); ok {
		remote.sched.Post(func() { remote.transition(e.id, domain.ConnClosed) })
	}
}

// Drop simulates the link failing: both sides observe disconnected.
func (e *Endpoint) Drop(peer domain.PeerID) {
	e.transition(peer, domain.ConnDisconnected)
	if remote, ok := e.hub.lookup(peer); ok {
		remote.sched.Post(func() { remote.transition(e.id, domain.ConnDisconnected) })
	}
}

// Crash takes the endpoint offline and fails every link, as a process
// exit would.
func (e *Endpoint) Crash() {
	e.SetOnline(false)
	e.mu.Lock()
	var peers []domain.PeerID
	for p, s := range e.links {
		if s == domain.ConnConnected {
			peers = append(peers, p)
		}
		e.links[p] = domain.ConnClosed
	}
	e.mu.Unlock()
	for _, p := range peers {
		if remote, ok := e.hub.lookup(p); ok {
			remote.sched.Post(func() { remote.transition(e.id, domain.ConnDisconnected) })
		}
	}
}

func (e *Endpoint) Send(peer domain.PeerID, msg core.Message) error {
	if e.ConnectionState(peer) != domain.ConnConnected {
		return core.ErrPeerNotConnected
	}
	remote, ok := e.hub.lookup(peer)
	if !ok {
		return core.ErrUnknownPeer
	}
	if !e.isOnline() {
		return nil
	}
	msg.From = e.id
	e.mu.Lock()
	e.sent++
	e.mu.Unlock()
	remote.sched.Post(func() { remote.deliver(e.id, msg) })
	return nil
}

func (e *Endpoint) deliver(from domain.PeerID, msg core.Message) {
	if !e.isOnline() || e.ConnectionState(from) != domain.ConnConnected {
		return
	}
	e.mu.Lock()
	e.received++
	handlers := append([]core.MessageHandler(nil), e.onMsg...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(from, msg)
	}
}

func (e *Endpoint) setLink(peer domain.PeerID, s domain.ConnectionState) domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.links[peer]
	e.links[peer] = s
	return prev
}

func (e *Endpoint) transition(peer domain.PeerID, s domain.ConnectionState) {
	if prev := e.setLink(peer, s); prev == s {
		return
	}
	e.mu.Lock()
	handlers := append([]core.ConnectionStateHandler(nil), e.onState...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(peer, s)
	}
}

// Capability reports a full capability set for reachable peers and for
// the endpoint itself while online, unless the hub overrides it.
func (e *Endpoint) Capability(peer domain.PeerID) domain.Capability {
	if c, ok := e.hub.override(peer); ok {
		return c
	}
	if peer == e.id {
		if !e.isOnline() {
			return domain.Capability{ConnectionState: domain.ConnDisconnected, Destroyed: true}
		}
		return domain.Capability{HasDataChannel: true, HasAudioStream: true, ConnectionState: domain.ConnConnected}
	}
	state := e.ConnectionState(peer)
	return domain.Capability{
		HasDataChannel:  state == domain.ConnConnected,
		HasAudioStream:  state == domain.ConnConnected,
		ConnectionState: state,
	}
}

// Stats reports how many messages were sent and delivered.
func (e *Endpoint) Stats() (sent, received int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent, e.received
}

// Rebind moves the endpoint to a new id on the hub.
func (e *Endpoint) Rebind(id domain.PeerID) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if other, ok := e.hub.endpoints[id]; ok && other != e {
		return fmt.Errorf("rebind %s: id in use", id)
	}
	e.mu.Lock()
	old := e.id
	e.id = id
	e.links = make(map[domain.PeerID]domain.ConnectionState)
	e.mu.Unlock()
	if e.hub.endpoints[old] == e {
		delete(e.hub.endpoints, old)
	}
	e.hub.endpoints[id] = e
	return nil
}
