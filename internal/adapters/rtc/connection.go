// Package rtc holds the pion media links between peers. The registry
// negotiates one PeerConnection per transport link and reports what each
// link can carry, which is what host promotion checks.
package rtc

import (
	"sync"

	"github.com/dkeye/gcomms/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "gcomms"

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Link struct {
	peer domain.PeerID
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	mu      sync.RWMutex
	state   domain.ConnectionState
	dcOpen  bool
	audio   bool
	closed  bool
	onState func(domain.PeerID, domain.ConnectionState)
}

// NewLink creates the PeerConnection for peer with a pre-negotiated data
// channel and, when local is set, the local audio track.
func NewLink(cfg webrtc.Configuration, peer domain.PeerID, local *webrtc.TrackLocalStaticRTP) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if local != nil {
		_, err = pc.AddTrack(local)
	} else {
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	}
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	l := &Link{peer: peer, pc: pc, dc: dc, state: domain.ConnNew}
	l.start()
	return l, nil
}

func (l *Link) start() {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer", string(l.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		state := connectionState(s)
		l.mu.Lock()
		l.state = state
		if state == domain.ConnClosed {
			l.closed = true
		}
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(l.peer, state)
		}
	})
	l.dc.OnOpen(func() {
		l.setDataChannel(true)
	})
	l.dc.OnClose(func() {
		l.setDataChannel(false)
	})
}

func (l *Link) setDataChannel(open bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dcOpen = open
}

// OnStateChange sets the callback for peer-connection transitions.
func (l *Link) OnStateChange(fn func(domain.PeerID, domain.ConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnNew
	}
}

func (l *Link) Capability() domain.Capability {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Capability{
		HasDataChannel:  l.dcOpen,
		HasAudioStream:  l.audio,
		ConnectionState: l.state,
		Destroyed:       l.closed,
	}
}

// CreateOffer returns the local offer once ICE gathering has finished.
func (l *Link) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return l.pc.LocalDescription(), nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	l.markAudio()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return l.pc.LocalDescription(), nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	l.markAudio()
	return nil
}

// markAudio records whether the remote side offered a live audio section.
func (l *Link) markAudio() {
	audio := false
	if desc := l.pc.RemoteDescription(); desc != nil {
		if parsed, err := desc.Unmarshal(); err == nil {
			for _, m := range parsed.MediaDescriptions {
				if m.MediaName.Media != "audio" {
					continue
				}
				if _, inactive := m.Attribute("inactive"); !inactive {
					audio = true
				}
			}
		}
	}
	l.mu.Lock()
	l.audio = audio
	l.mu.Unlock()
}

func (l *Link) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", string(l.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "adapters.rtc").Str("peer", string(l.peer)).Msg("closed")
	}
}
