package orch

import (
	"testing"
	"time"

	"github.com/dkeye/gcomms/internal/adapters/loopback"
	"github.com/dkeye/gcomms/internal/adapters/storage"
	"github.com/dkeye/gcomms/internal/app/loop"
	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/app/reconnect"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const code = "ABC123"

type rig struct {
	o      *Orchestrator
	ep     *loopback.Endpoint
	sub    *storage.Memory
	store  *persist.Store
	events []core.Event
}

func (r *rig) saw(typ core.EventType, match func(core.Event) bool) bool {
	for _, ev := range r.events {
		if ev.Type == typ && (match == nil || match(ev)) {
			return true
		}
	}
	return false
}

type mesh struct {
	t     *testing.T
	sched *loop.Manual
	hub   *loopback.Hub
}

func newMesh(t *testing.T) *mesh {
	return &mesh{t: t, sched: loop.NewManual(), hub: loopback.NewHub()}
}

func (m *mesh) peer(id domain.PeerID) *rig {
	m.t.Helper()
	return m.peerWithStore(id, storage.NewMemory(0))
}

func (m *mesh) peerWithStore(id domain.PeerID, sub *storage.Memory) *rig {
	m.t.Helper()
	return m.peerWith(id, DefaultConfig(), sub)
}

func (m *mesh) peerWith(id domain.PeerID, cfg Config, sub *storage.Memory) *rig {
	m.t.Helper()
	ep := m.hub.Endpoint(id, m.sched)
	store := persist.New(sub, m.sched.Clock, persist.DefaultConfig())
	r := &rig{ep: ep, sub: sub, store: store}
	r.o = New(cfg, m.sched, ep, ep, store)
	r.o.Subscribe(func(ev core.Event) { r.events = append(r.events, ev) })
	return r
}

func (m *mesh) host() *rig {
	m.t.Helper()
	h := m.peer(domain.HostPeerID(code))
	got, err := h.o.Host("Commander", code)
	require.NoError(m.t, err)
	require.Equal(m.t, code, got)
	return h
}

func (m *mesh) join(id domain.PeerID, name string, role domain.Role) *rig {
	m.t.Helper()
	r := m.peer(id)
	require.NoError(m.t, r.o.Join(code, name, role))
	m.sched.Drain()
	return r
}

// TestJoinAppearsOnHost checks an operator joining ABC123 shows up in the
// host's roster within 10 seconds.
func TestJoinAppearsOnHost(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)

	m.sched.Advance(10 * time.Second)
	u, ok := h.o.Sync.User(op.o.Self())
	require.True(t, ok)
	assert.Equal(t, "Alpha-1", u.Username)
	assert.Equal(t, PhaseJoined, op.o.Phase())
	assert.Equal(t, h.o.Sync.StateHash(), op.o.Sync.StateHash())

	rec, ok := op.store.RestoreSession()
	require.True(t, ok)
	assert.Equal(t, code, rec.SessionCode)
	assert.False(t, rec.IsHost)
	assert.Equal(t, domain.HealthConnected, op.o.PeerHealth()[h.o.Self()])
}

// TestJoinRebindsPeerID checks joiners take a session-derived peer id.
func TestJoinRebindsPeerID(t *testing.T) {
	m := newMesh(t)
	h := m.peer("node-a")
	_, err := h.o.Host("Commander", code)
	require.NoError(t, err)
	assert.Equal(t, domain.HostPeerID(code), h.o.Self())

	op := m.join("node-b", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)
	assert.Contains(t, string(op.o.Self()), "gcomms-ABC123-")
	_, ok := h.o.Sync.User(op.o.Self())
	assert.True(t, ok)
}

// TestCommandsReachHost checks non-host commands are applied by the host
// and mirrored back.
func TestCommandsReachHost(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)

	require.NoError(t, op.o.ChangeStatus(domain.StatusWaitOne))
	require.NoError(t, op.o.MoveUser("", domain.ChannelSquad2))
	require.NoError(t, op.o.CreateChannel("Recon", ""))
	require.NoError(t, op.o.SetChannelState(domain.ChannelSquad2, domain.ChannelFlags{Listen: true, Speak: true, Volume: 80}))
	m.sched.Advance(time.Second)

	u, _ := h.o.Sync.User(op.o.Self())
	assert.Equal(t, domain.StatusWaitOne, u.Status)
	assert.Equal(t, domain.ChannelSquad2, u.ChannelID)
	assert.Len(t, h.o.Sync.Snapshot().State.Teams, 4)
	assert.Equal(t, h.o.Sync.StateHash(), op.o.Sync.StateHash())

	mine, _ := op.store.LoadUser()
	assert.Equal(t, domain.StatusWaitOne, mine.Status)
	assert.ErrorIs(t, op.o.ChangeStatus("BUSY"), domain.ErrInvalidStatus)
}

// TestForwardedCommandRejected checks a command the host refuses leaves the
// session untouched and is reported back to the sender.
func TestForwardedCommandRejected(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)
	before := h.o.Sync.StateHash()

	require.NoError(t, op.o.MoveUser("", "nowhere"))
	m.sched.Advance(time.Second)

	assert.Equal(t, before, h.o.Sync.StateHash())
	assert.Equal(t, before, op.o.Sync.StateHash())
	assert.True(t, op.saw(core.EventCommandRejected, func(ev core.Event) bool {
		return ev.Peer == h.o.Self() && ev.Code == string(domain.MutationMove) && ev.Message == domain.ErrUnknownChannel.Error()
	}))
	assert.False(t, h.saw(core.EventCommandRejected, nil))
}

// TestHostFailover checks a silent host is detected by every peer, the
// earliest squad-leader is promoted and all peers converge.
func TestHostFailover(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	sl := m.join("gcomms-ABC123-sl", "Lead-1", domain.RoleSquadLeader)
	m.sched.Advance(1500 * time.Millisecond)
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(1700 * time.Millisecond)
	require.Len(t, h.o.Sync.Users(), 3)

	h.ep.SetOnline(false)
	m.sched.Advance(15 * time.Second)

	hostDown := func(ev core.Event) bool {
		return ev.Peer == h.o.Self() && ev.Health == domain.HealthDisconnected
	}
	assert.True(t, sl.saw(core.EventHealthChanged, hostDown))
	assert.True(t, op.saw(core.EventHealthChanged, hostDown))

	assert.True(t, sl.o.Sync.IsHost())
	assert.Equal(t, PhaseHosting, sl.o.Phase())
	assert.Equal(t, sl.o.Self(), op.o.Sync.HostID())
	assert.Equal(t, sl.o.Sync.StateHash(), op.o.Sync.StateHash())

	lead, ok := sl.o.Sync.User(sl.o.Self())
	require.True(t, ok)
	assert.Equal(t, domain.RoleCommander, lead.Role)
	_, ok = op.o.Sync.User(h.o.Self())
	assert.False(t, ok)

	require.NoError(t, op.o.ChangeStatus(domain.StatusDown))
	m.sched.Advance(time.Second)
	u, _ := sl.o.Sync.User(op.o.Self())
	assert.Equal(t, domain.StatusDown, u.Status)
}

// TestHostLeaveHandsOver checks an explicit host leave promotes without
// waiting for the stale threshold.
func TestHostLeaveHandsOver(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	sl := m.join("gcomms-ABC123-sl", "Lead-1", domain.RoleSquadLeader)
	m.sched.Advance(time.Second)

	require.NoError(t, h.o.Leave())
	m.sched.Drain()
	assert.True(t, sl.o.Sync.IsHost())
	assert.Equal(t, PhaseLobby, h.o.Phase())
	assert.False(t, h.store.Exists(persist.KeySession))
}

// TestQueuedJoinDrained checks a join queued at t=0 is admitted when the
// host returns at t=20s.
func TestQueuedJoinDrained(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	h.ep.SetOnline(false)

	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	assert.Equal(t, PhaseWaiting, op.o.Phase())
	assert.True(t, op.saw(core.EventHostUnavailable, func(ev core.Event) bool {
		return ev.Code == domain.HostUnavailableCode && ev.Message == "Session host is not available. The session may have ended."
	}))
	assert.Equal(t, 1, op.o.Queue.Len())

	m.sched.Advance(19500 * time.Millisecond)
	h.ep.SetOnline(true)
	m.sched.Advance(1500 * time.Millisecond)

	_, ok := h.o.Sync.User(op.o.Self())
	assert.True(t, ok)
	assert.Equal(t, PhaseJoined, op.o.Phase())
	assert.Zero(t, op.o.Queue.Len())
}

// TestQueuedJoinExpires checks a host returning at t=35s finds the request
// expired and no implicit re-join happens.
func TestQueuedJoinExpires(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	h.ep.SetOnline(false)

	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(35 * time.Second)
	h.ep.SetOnline(true)
	m.sched.Advance(10 * time.Second)

	assert.Equal(t, PhaseLobby, op.o.Phase())
	_, ok := h.o.Sync.User(op.o.Self())
	assert.False(t, ok)
	assert.Len(t, h.o.Sync.Users(), 1)
}

// TestHostCrashFailover checks a host whose process dies is replaced: the
// redial of its link gives way to failover once it is DISCONNECTED.
func TestHostCrashFailover(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	sl := m.join("gcomms-ABC123-sl", "Lead-1", domain.RoleSquadLeader)
	m.sched.Advance(1500 * time.Millisecond)
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(1700 * time.Millisecond)
	require.Len(t, h.o.Sync.Users(), 3)

	h.ep.Crash()
	m.sched.Advance(2 * time.Second)
	assert.True(t, op.o.Reconnect.Active(h.o.Self()))

	m.sched.Advance(18 * time.Second)
	assert.True(t, sl.o.Sync.IsHost())
	assert.Equal(t, PhaseHosting, sl.o.Phase())
	assert.Equal(t, PhaseJoined, op.o.Phase())
	assert.Equal(t, sl.o.Self(), op.o.Sync.HostID())
	assert.Equal(t, sl.o.Sync.StateHash(), op.o.Sync.StateHash())
	assert.False(t, op.o.Reconnect.Active(h.o.Self()))
	assert.False(t, op.saw(core.EventReconnect, func(ev core.Event) bool {
		return ev.State == string(reconnect.StateFailed)
	}))
	assert.True(t, op.saw(core.EventHostPromoted, func(ev core.Event) bool { return ev.Peer == sl.o.Self() }))
	_, ok := op.o.Sync.User(h.o.Self())
	assert.False(t, ok)
}

// TestReconnectExhaustionReturnsToLobby checks five failed attempts on the
// host link send the operator back to the lobby when the host is not yet
// classified DISCONNECTED.
func TestReconnectExhaustionReturnsToLobby(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	cfg := DefaultConfig()
	cfg.Heartbeat.StaleThreshold = time.Minute
	op := m.peerWith("gcomms-ABC123-op", cfg, storage.NewMemory(0))
	require.NoError(t, op.o.Join(code, "Alpha-1", domain.RoleOperator))
	m.sched.Drain()
	require.NoError(t, op.store.SavePreferences(persist.Preferences{GlobalMute: true, DefaultVolume: 70}))
	m.sched.Advance(time.Second)

	h.ep.Crash()
	m.sched.Advance(30 * time.Second)

	var states []string
	for _, ev := range op.events {
		if ev.Type == core.EventReconnect {
			states = append(states, ev.State)
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, string(reconnect.StateFailed), states[len(states)-1])
	connecting := 0
	for _, s := range states {
		if s == string(reconnect.StateConnecting) {
			connecting++
		}
	}
	assert.Equal(t, 5, connecting)

	assert.Equal(t, PhaseLobby, op.o.Phase())
	assert.False(t, op.o.Sync.Active())
	assert.False(t, op.store.Exists(persist.KeySession))
	assert.False(t, op.store.Exists(persist.KeyReconnect))
	assert.True(t, op.store.LoadPreferences().GlobalMute)
	assert.False(t, op.o.Sync.IsHost())
}

// TestLinkDropRecovers checks a transient drop is repaired silently.
func TestLinkDropRecovers(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)

	op.ep.Drop(h.o.Self())
	m.sched.Advance(5 * time.Second)

	assert.Equal(t, PhaseJoined, op.o.Phase())
	assert.Equal(t, domain.ConnConnected, op.ep.ConnectionState(h.o.Self()))
	assert.Equal(t, reconnect.StateConnected, op.o.Reconnect.State(h.o.Self()))
	assert.False(t, op.store.Exists(persist.KeyReconnect))
	_, ok := h.o.Sync.User(op.o.Self())
	assert.True(t, ok)
}

// TestLeaveRemovesUser checks an operator's leave reaches the host and
// clears its session data but not preferences.
func TestLeaveRemovesUser(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	require.NoError(t, op.o.SetVolume(domain.ChannelSquad1, 30))
	m.sched.Advance(time.Second)

	require.NoError(t, op.o.Leave())
	m.sched.Advance(time.Second)
	assert.Len(t, h.o.Sync.Users(), 1)
	assert.Equal(t, PhaseLobby, op.o.Phase())
	assert.False(t, op.store.Exists(persist.KeyUser))
	assert.Equal(t, 30, op.store.LoadPreferences().ChannelVolumes[domain.ChannelSquad1])
	assert.ErrorIs(t, op.o.Leave(), domain.ErrNotJoined)
}

// TestDivergenceRepaired checks a hash mismatch triggers a full pull.
func TestDivergenceRepaired(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	op := m.join("gcomms-ABC123-op", "Alpha-1", domain.RoleOperator)
	m.sched.Advance(time.Second)

	bad := op.o.Sync.Snapshot()
	bad.State.ConnectedUsers[0].Status = domain.StatusDown
	op.o.Sync.Adopt(bad.Code, bad.HostID, bad.State, 0)
	require.NotEqual(t, h.o.Sync.StateHash(), op.o.Sync.StateHash())

	m.sched.Advance(5 * time.Second)
	assert.Equal(t, h.o.Sync.StateHash(), op.o.Sync.StateHash())
	assert.False(t, op.saw(core.EventStaleState, nil))
}

// TestInputValidation checks command preconditions.
func TestInputValidation(t *testing.T) {
	m := newMesh(t)
	r := m.peer("gcomms-ABC123-x")
	assert.ErrorIs(t, r.o.Join("abc", "x", domain.RoleOperator), domain.ErrInvalidSessionCode)
	assert.ErrorIs(t, r.o.Join(code, "", domain.RoleOperator), domain.ErrUsernameEmpty)
	assert.ErrorIs(t, r.o.Join(code, "x", domain.RoleCommander), domain.ErrInvalidRole)
	assert.ErrorIs(t, r.o.ChangeStatus(domain.StatusReady), domain.ErrNotJoined)

	generated, err := r.o.Host("Commander", "")
	require.NoError(t, err)
	assert.NoError(t, domain.ValidateSessionCode(generated))
	_, err = r.o.Host("Commander", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
}

// TestResume checks a restarted peer re-enters its persisted session.
func TestResume(t *testing.T) {
	m := newMesh(t)
	h := m.host()
	sub := storage.NewMemory(0)
	op := m.peerWithStore("gcomms-ABC123-op", sub)
	require.NoError(t, op.o.Join(code, "Alpha-1", domain.RoleSquadLeader))
	m.sched.Advance(time.Second)
	require.NoError(t, op.o.MoveUser("", domain.ChannelSquad2))
	m.sched.Advance(time.Second)

	op.ep.Crash()
	m.sched.Advance(time.Second)

	again := m.peerWithStore("gcomms-ABC123-op2", sub)
	offer, ok := again.o.Rejoin()
	require.True(t, ok)
	assert.Equal(t, "Rejoin session ABC123 as Alpha-1?", offer.Message)

	resumed, err := again.o.Resume()
	require.NoError(t, err)
	assert.True(t, resumed)
	m.sched.Advance(time.Second)

	u, ok := h.o.Sync.User(again.o.Self())
	require.True(t, ok)
	assert.Equal(t, domain.ChannelSquad2, u.ChannelID)
	assert.Equal(t, domain.RoleSquadLeader, u.Role)

	empty := m.peer("gcomms-ABC123-new")
	resumed, err = empty.o.Resume()
	require.NoError(t, err)
	assert.False(t, resumed)
}

// TestRateLimiter checks the sliding window.
func TestRateLimiter(t *testing.T) {
	sched := loop.NewManual()
	rl := NewRateLimiter(sched, 2, 10*time.Second)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	sched.Advance(11 * time.Second)
	assert.True(t, rl.Allow("a"))
}
