package orch

import (
	"testing"
	"time"

	"github.com/dkeye/gcomms/internal/adapters/loopback"
	"github.com/dkeye/gcomms/internal/adapters/storage"
	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// choked refuses sends to peers marked full and records link resets.
type choked struct {
	*loopback.Endpoint
	full  map[domain.PeerID]bool
	reset []domain.PeerID
}

func (c *choked) Send(peer domain.PeerID, msg core.Message) error {
	if c.full[peer] {
		return core.ErrBackpressure
	}
	return c.Endpoint.Send(peer, msg)
}

func (c *choked) Disconnect(peer domain.PeerID) {
	c.reset = append(c.reset, peer)
	c.Endpoint.Disconnect(peer)
}

func TestStrikePolicy(t *testing.T) {
	p := StrikePolicy{Limit: 3}
	assert.Equal(t, DropMessage, p.OnBackpressure("p", 1))
	assert.Equal(t, DropMessage, p.OnBackpressure("p", 2))
	assert.Equal(t, ResetLink, p.OnBackpressure("p", 3))
	assert.Equal(t, DropMessage, StrikePolicy{}.OnBackpressure("p", 100))
}

// TestBackpressureResetsLink checks a saturated link is reset after the
// configured number of refused sends and that a delivered send clears
// the count.
func TestBackpressureResetsLink(t *testing.T) {
	m := newMesh(t)
	ep := m.hub.Endpoint(domain.HostPeerID(code), m.sched)
	tr := &choked{Endpoint: ep, full: map[domain.PeerID]bool{}}
	cfg := DefaultConfig()
	cfg.BackpressureLimit = 3
	h := New(cfg, m.sched, tr, ep, persist.New(storage.NewMemory(0), m.sched.Clock, persist.DefaultConfig()))
	_, err := h.Host("Commander", code)
	require.NoError(t, err)

	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)
	opID := op.o.Self()
	_, ok := h.Sync.User(opID)
	require.True(t, ok)

	ping := core.Message{Type: core.MsgHeartbeat}
	tr.full[opID] = true
	h.send(opID, ping)
	h.send(opID, ping)
	assert.Empty(t, tr.reset)

	tr.full[opID] = false
	h.send(opID, ping)
	assert.NotContains(t, h.strikes, opID)

	tr.full[opID] = true
	for range 3 {
		h.send(opID, ping)
	}
	assert.Equal(t, []domain.PeerID{opID}, tr.reset)
	assert.NotContains(t, h.strikes, opID)
}
