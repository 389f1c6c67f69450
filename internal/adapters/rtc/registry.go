package rtc

import (
	"sync"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers []string
	// LocalAudio adds an Opus track to every link.
	LocalAudio bool
}

// Registry keeps one media link per transport link and is the process's
// CapabilityProvider. The peer with the lower id offers.
type Registry struct {
	cfg   Config
	pcCfg webrtc.Configuration
	tr    core.Transport
	local *webrtc.TrackLocalStaticRTP

	mu    sync.RWMutex
	links map[domain.PeerID]*Link
}

func NewRegistry(cfg Config, tr core.Transport) (*Registry, error) {
	r := &Registry{
		cfg:   cfg,
		tr:    tr,
		links: make(map[domain.PeerID]*Link),
	}
	if len(cfg.ICEServers) > 0 {
		r.pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	if cfg.LocalAudio {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "gcomms")
		if err != nil {
			return nil, err
		}
		r.local = track
	}
	tr.OnMessage(r.handleMessage)
	tr.OnConnectionStateChange(r.handleLinkState)
	return r, nil
}

// Capability reports the media capability of peer. The local peer is
// judged by its own configuration; peers without a media link fall back
// to the transport link state.
func (r *Registry) Capability(peer domain.PeerID) domain.Capability {
	if peer == r.tr.LocalID() {
		return domain.Capability{
			HasDataChannel:  true,
			HasAudioStream:  r.cfg.LocalAudio,
			ConnectionState: domain.ConnConnected,
		}
	}
	if l, ok := r.Link(peer); ok {
		return l.Capability()
	}
	return domain.Capability{ConnectionState: r.tr.ConnectionState(peer)}
}

func (r *Registry) Link(peer domain.PeerID) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peer]
	return l, ok
}

func (r *Registry) handleLinkState(peer domain.PeerID, s domain.ConnectionState) {
	switch {
	case s == domain.ConnConnected && r.tr.LocalID() < peer:
		go r.offer(peer)
	case s.Down():
		r.drop(peer)
	}
}

func (r *Registry) handleMessage(from domain.PeerID, msg core.Message) {
	switch msg.Type {
	case core.MsgMediaOffer:
		var p core.MediaDescriptionPayload
		if err := msg.Decode(&p); err != nil {
			log.Warn().Err(err).Str("module", "adapters.rtc").Str("peer", string(from)).Msg("bad offer payload")
			return
		}
		go r.answer(from, p.SDP)
	case core.MsgMediaAnswer:
		var p core.MediaDescriptionPayload
		if err := msg.Decode(&p); err != nil {
			log.Warn().Err(err).Str("module", "adapters.rtc").Str("peer", string(from)).Msg("bad answer payload")
			return
		}
		l, ok := r.Link(from)
		if !ok {
			log.Warn().Str("module", "adapters.rtc").Str("peer", string(from)).Msg("answer: no media link")
			return
		}
		if err := l.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(from)).Msg("apply answer")
		}
	}
}

// replace installs a fresh link for peer, closing any previous one.
func (r *Registry) replace(peer domain.PeerID) (*Link, error) {
	l, err := NewLink(r.pcCfg, peer, r.local)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	old := r.links[peer]
	r.links[peer] = l
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return l, nil
}

func (r *Registry) offer(peer domain.PeerID) {
	l, err := r.replace(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(peer)).Msg("webrtc new pc")
		return
	}
	offer, err := l.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(peer)).Msg("webrtc create offer")
		r.drop(peer)
		return
	}
	r.send(peer, core.MsgMediaOffer, offer.SDP)
}

func (r *Registry) answer(peer domain.PeerID, sdp string) {
	l, err := r.replace(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(peer)).Msg("webrtc new pc")
		return
	}
	answer, err := l.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(peer)).Msg("webrtc apply offer")
		r.drop(peer)
		return
	}
	r.send(peer, core.MsgMediaAnswer, answer.SDP)
}

func (r *Registry) send(peer domain.PeerID, t core.MessageType, sdp string) {
	msg, err := core.NewMessage(t, core.MediaDescriptionPayload{SDP: sdp})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("encode description")
		return
	}
	if err := r.tr.Send(peer, msg); err != nil {
		log.Warn().Err(err).Str("module", "adapters.rtc").Str("peer", string(peer)).Str("type", string(t)).Msg("send description")
	}
}

func (r *Registry) drop(peer domain.PeerID) {
	r.mu.Lock()
	l := r.links[peer]
	delete(r.links, peer)
	r.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Close releases every media link.
func (r *Registry) Close() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[domain.PeerID]*Link)
	r.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}
