package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code := NewSessionCode()
		require.Len(t, code, SessionCodeLen)
		assert.NoError(t, ValidateSessionCode(code))
	}
}

func TestValidateSessionCode(t *testing.T) {
	assert.NoError(t, ValidateSessionCode("ABC123"))
	assert.ErrorIs(t, ValidateSessionCode("abc123"), ErrInvalidSessionCode)
	assert.ErrorIs(t, ValidateSessionCode("INVALID"), ErrInvalidSessionCode)
	assert.ErrorIs(t, ValidateSessionCode(""), ErrInvalidSessionCode)
}

func TestPeerIDs(t *testing.T) {
	assert.Equal(t, PeerID("gcomms-ABC123-host"), HostPeerID("ABC123"))
	id := JoinerPeerID("ABC123")
	assert.True(t, strings.HasPrefix(string(id), "gcomms-ABC123-"))
	assert.NotEqual(t, id, JoinerPeerID("ABC123"))
}

func TestCapabilitySatisfies(t *testing.T) {
	valid := Capability{HasDataChannel: true, HasAudioStream: true, ConnectionState: ConnConnected}
	assert.True(t, valid.Satisfies(RequiredHostCapabilities))
	assert.Empty(t, valid.Missing(RequiredHostCapabilities))

	invalid := Capability{ConnectionState: ConnDisconnected, Destroyed: true}
	assert.False(t, invalid.Satisfies(RequiredHostCapabilities))
	assert.Equal(t, []string{"data-channel", "audio-stream", "connected", "accepts-connections"},
		invalid.Missing(RequiredHostCapabilities))

	noAudio := valid
	noAudio.HasAudioStream = false
	assert.False(t, noAudio.Satisfies(RequiredHostCapabilities))
	assert.Equal(t, []string{"audio-stream"}, noAudio.Missing(RequiredHostCapabilities))
}

func TestSessionStateCloneIsolated(t *testing.T) {
	s := SessionState{
		Teams:          DefaultTeams(1),
		ConnectedUsers: []User{{ID: "a", Username: "Alpha"}},
		ChannelStates: map[ChannelID]map[PeerID]ChannelFlags{
			ChannelSquad1: {"a": {Listen: true, Speak: true, Volume: 80}},
		},
	}
	c := s.Clone()
	require.True(t, s.Equal(c))

	c.Teams[0].Name = "changed"
	c.ConnectedUsers[0].Username = "changed"
	c.ChannelStates[ChannelSquad1]["a"] = ChannelFlags{}

	assert.Equal(t, "Command", s.Teams[0].Name)
	assert.Equal(t, "Alpha", s.ConnectedUsers[0].Username)
	assert.True(t, s.ChannelStates[ChannelSquad1]["a"].Speak)
	assert.False(t, s.Equal(c))
}

func TestHostUnavailableError(t *testing.T) {
	err := NewHostUnavailableError("ABC123")
	assert.ErrorIs(t, err, ErrHostUnavailable)
	assert.Equal(t, HostUnavailableCode, err.Code())
	assert.Contains(t, err.Error(), "ABC123")
}

func TestRolePromotionRank(t *testing.T) {
	assert.Less(t, RoleSquadLeader.PromotionRank(), RoleOperator.PromotionRank())
	assert.Less(t, RoleOperator.PromotionRank(), RoleCommander.PromotionRank())
}
