package domain

// MutationKind names one canonical write.
type MutationKind string

const (
	MutationJoin          MutationKind = "join"
	MutationLeave         MutationKind = "leave"
	MutationStatus        MutationKind = "status"
	MutationMove          MutationKind = "move"
	MutationCreateChannel MutationKind = "create-channel"
	MutationChannelState  MutationKind = "channel-state"
)

// Mutation is the unit of change applied by the host and broadcast to peers.
// Only the fields relevant to Kind are set.
type Mutation struct {
	Kind      MutationKind  `json:"kind"`
	UserID    PeerID        `json:"userId,omitempty"`
	Username  string        `json:"username,omitempty"`
	Role      Role          `json:"role,omitempty"`
	Status    Status        `json:"status,omitempty"`
	ChannelID ChannelID     `json:"channelId,omitempty"`
	Channel   *Channel      `json:"channel,omitempty"`
	Flags     *ChannelFlags `json:"flags,omitempty"`
	JoinedAt  int64         `json:"joinedAt,omitempty"`
}
