package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from domain.PeerID
	msg  core.Message
}

type recorder struct {
	mu     sync.Mutex
	msgs   []received
	states map[domain.PeerID][]domain.ConnectionState
}

func record(t *Transport) *recorder {
	r := &recorder{states: make(map[domain.PeerID][]domain.ConnectionState)}
	t.OnMessage(func(from domain.PeerID, msg core.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, received{from, msg})
	})
	t.OnConnectionStateChange(func(peer domain.PeerID, s domain.ConnectionState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states[peer] = append(r.states[peer], s)
	})
	return r
}

func (r *recorder) messages() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs...)
}

func serve(t *testing.T, tr *Transport) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = tr.Accept(w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/peer"
}

func pair(t *testing.T) (*Transport, *Transport, *recorder, *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := New(ctx, "gcomms-ABC123-a", DefaultConfig())
	b := New(ctx, "gcomms-ABC123-host", DefaultConfig())
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	ra, rb := record(a), record(b)
	a.AddPeer(b.LocalID(), serve(t, b))

	require.NoError(t, a.Connect(b.LocalID()))
	require.Eventually(t, func() bool {
		return a.ConnectionState(b.LocalID()) == domain.ConnConnected &&
			b.ConnectionState(a.LocalID()) == domain.ConnConnected
	}, 2*time.Second, 10*time.Millisecond)
	return a, b, ra, rb
}

func TestLinkExchangesMessages(t *testing.T) {
	a, b, ra, rb := pair(t)

	msg, err := core.NewMessage(core.MsgHeartbeat, core.HeartbeatPayload{Timestamp: 42})
	require.NoError(t, err)
	msg.From = "spoofed"
	require.NoError(t, a.Send(b.LocalID(), msg))

	require.Eventually(t, func() bool { return len(rb.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rb.messages()[0]
	assert.Equal(t, a.LocalID(), got.from)
	assert.Equal(t, a.LocalID(), got.msg.From)
	var hb core.HeartbeatPayload
	require.NoError(t, got.msg.Decode(&hb))
	assert.EqualValues(t, 42, hb.Timestamp)

	require.NoError(t, b.Send(a.LocalID(), msg))
	require.Eventually(t, func() bool { return len(ra.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, b.LocalID(), ra.messages()[0].from)
}

func TestDisconnectClosesBothSides(t *testing.T) {
	a, b, _, rb := pair(t)

	a.Disconnect(b.LocalID())
	assert.Equal(t, domain.ConnClosed, a.ConnectionState(b.LocalID()))
	require.Eventually(t, func() bool {
		return b.ConnectionState(a.LocalID()).Down()
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.Send(b.LocalID(), core.Message{Type: core.MsgHeartbeat}), core.ErrPeerNotConnected)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	assert.Equal(t, domain.ConnConnected, rb.states[a.LocalID()][0])
}

func TestConnectUnknownPeer(t *testing.T) {
	tr := New(context.Background(), "gcomms-ABC123-a", DefaultConfig())
	assert.ErrorIs(t, tr.Connect("gcomms-ABC123-host"), core.ErrUnknownPeer)
	assert.Equal(t, domain.ConnNew, tr.ConnectionState("gcomms-ABC123-host"))
}

func TestConnectUnreachableFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.Directory = map[domain.PeerID]string{"gcomms-ABC123-host": "ws://127.0.0.1:1/api/ws/peer"}
	tr := New(context.Background(), "gcomms-ABC123-a", cfg)
	require.NoError(t, tr.Connect("gcomms-ABC123-host"))
	require.Eventually(t, func() bool {
		return tr.ConnectionState("gcomms-ABC123-host") == domain.ConnFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptRequiresPeer(t *testing.T) {
	tr := New(context.Background(), "gcomms-ABC123-host", DefaultConfig())
	rec := httptest.NewRecorder()
	err := tr.Accept(rec, httptest.NewRequest(http.MethodGet, "/api/ws/peer", nil))
	assert.ErrorIs(t, err, ErrMissingPeer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebindDropsLinks(t *testing.T) {
	a, b, _, _ := pair(t)
	require.NoError(t, a.Rebind("gcomms-XYZ789-a"))
	assert.Equal(t, domain.PeerID("gcomms-XYZ789-a"), a.LocalID())
	assert.Equal(t, domain.ConnNew, a.ConnectionState(b.LocalID()))
	assert.Error(t, a.Rebind(""))
}
