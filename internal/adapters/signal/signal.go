// Package signal is the websocket peer-link Transport. Each peer runs the
// same HTTP endpoint; a link is one websocket, dialled by whichever side
// connects first and accepted by the other.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PeerParam carries the dialling peer's id on the upgrade request.
const PeerParam = "peer"

var ErrMissingPeer = errors.New("missing peer id")

type Config struct {
	// Directory maps peer ids to the websocket URL of their peer endpoint.
	Directory    map[domain.PeerID]string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	SendBuffer   int
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingPeriod:   54 * time.Second,
		ReadLimit:    32768,
		SendBuffer:   32,
	}
}

type wsConn struct {
	peer   domain.PeerID
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrPeerNotConnected
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.mu.Unlock()
}

type Transport struct {
	cfg      Config
	ctx      context.Context
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	id        domain.PeerID
	directory map[domain.PeerID]string
	links     map[domain.PeerID]*wsConn
	states    map[domain.PeerID]domain.ConnectionState
	onMsg     []core.MessageHandler
	onState   []core.ConnectionStateHandler
}

// New returns a transport advertising id. Links live until ctx is done.
func New(ctx context.Context, id domain.PeerID, cfg Config) *Transport {
	dir := make(map[domain.PeerID]string, len(cfg.Directory))
	for p, u := range cfg.Directory {
		dir[p] = u
	}
	return &Transport{
		cfg:       cfg,
		ctx:       ctx,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		id:        id,
		directory: dir,
		links:     make(map[domain.PeerID]*wsConn),
		states:    make(map[domain.PeerID]domain.ConnectionState),
	}
}

func (t *Transport) LocalID() domain.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// AddPeer records where peer can be dialled.
func (t *Transport) AddPeer(peer domain.PeerID, rawURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.directory[peer] = rawURL
}

func (t *Transport) OnMessage(h core.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = append(t.onMsg, h)
}

func (t *Transport) OnConnectionStateChange(h core.ConnectionStateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, h)
}

func (t *Transport) ConnectionState(peer domain.PeerID) domain.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[peer]; ok {
		return s
	}
	return domain.ConnNew
}

// Connect dials peer in the background. The outcome is reported as a
// connection-state change.
func (t *Transport) Connect(peer domain.PeerID) error {
	t.mu.RLock()
	raw, ok := t.directory[peer]
	self := t.id
	state := t.states[peer]
	t.mu.RUnlock()
	if state == domain.ConnConnected || state == domain.ConnConnecting {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownPeer, peer)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("peer %s url: %w", peer, err)
	}
	q := u.Query()
	q.Set(PeerParam, string(self))
	u.RawQuery = q.Encode()

	t.setState(peer, domain.ConnConnecting)
	go t.dial(peer, u.String())
	return nil
}

func (t *Transport) dial(peer domain.PeerID, endpoint string) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Info().Str("module", "adapters.signal").Str("peer", string(peer)).Int("status", status).Err(err).Msg("dial failed")
		t.setState(peer, domain.ConnFailed)
		return
	}
	log.Info().Str("module", "adapters.signal").Str("peer", string(peer)).Msg("link dialled")
	t.attach(peer, ws)
}

// Accept upgrades an inbound link request. The caller's peer id comes
// from the PeerParam query value.
func (t *Transport) Accept(w http.ResponseWriter, r *http.Request) error {
	peer := domain.PeerID(r.URL.Query().Get(PeerParam))
	if peer == "" {
		http.Error(w, ErrMissingPeer.Error(), http.StatusBadRequest)
		return ErrMissingPeer
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("ws upgrade: %w", err)
	}
	log.Info().Str("module", "adapters.signal").Str("peer", string(peer)).Msg("link accepted")
	t.attach(peer, ws)
	return nil
}

func (t *Transport) attach(peer domain.PeerID, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(t.ctx)
	c := &wsConn{
		peer:   peer,
		conn:   ws,
		send:   make(chan []byte, t.cfg.SendBuffer),
		cancel: cancel,
	}
	t.mu.Lock()
	old := t.links[peer]
	t.links[peer] = c
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	t.setState(peer, domain.ConnConnected)

	go t.writePump(ctx, c)
	go t.readPump(ctx, c)
}

// detach forgets c if it is still the current link for its peer.
func (t *Transport) detach(c *wsConn, s domain.ConnectionState) {
	t.mu.Lock()
	current := t.links[c.peer] == c
	if current {
		delete(t.links, c.peer)
	}
	t.mu.Unlock()
	c.Close()
	if current {
		t.setState(c.peer, s)
	}
}

func (t *Transport) Disconnect(peer domain.PeerID) {
	t.mu.Lock()
	c := t.links[peer]
	delete(t.links, peer)
	state := t.states[peer]
	t.mu.Unlock()
	if c != nil {
		c.Close()
	}
	if state == domain.ConnConnected || state == domain.ConnConnecting {
		t.setState(peer, domain.ConnClosed)
	}
}

func (t *Transport) Send(peer domain.PeerID, msg core.Message) error {
	t.mu.RLock()
	c := t.links[peer]
	msg.From = t.id
	t.mu.RUnlock()
	if c == nil {
		return core.ErrPeerNotConnected
	}
	b, err := encode(msg)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

// Rebind changes the advertised id. Existing links were negotiated under
// the old id and are closed.
func (t *Transport) Rebind(id domain.PeerID) error {
	if id == "" {
		return ErrMissingPeer
	}
	t.mu.Lock()
	old := t.id
	t.id = id
	links := t.links
	t.links = make(map[domain.PeerID]*wsConn)
	t.states = make(map[domain.PeerID]domain.ConnectionState)
	t.mu.Unlock()
	for _, c := range links {
		c.Close()
	}
	log.Info().Str("module", "adapters.signal").Str("from", string(old)).Str("to", string(id)).Msg("peer id rebound")
	return nil
}

// Close tears down every link.
func (t *Transport) Close() {
	t.mu.Lock()
	links := t.links
	t.links = make(map[domain.PeerID]*wsConn)
	t.mu.Unlock()
	for _, c := range links {
		c.Close()
	}
}

func (t *Transport) setState(peer domain.PeerID, s domain.ConnectionState) {
	t.mu.Lock()
	if t.states[peer] == s {
		t.mu.Unlock()
		return
	}
	t.states[peer] = s
	handlers := append([]core.ConnectionStateHandler(nil), t.onState...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(peer, s)
	}
}
