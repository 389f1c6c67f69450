package domain

import "errors"

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelName    = errors.New("channel name empty")
)

type ChannelID string

const (
	ChannelCommandNet ChannelID = "command-net"
	ChannelSquad1     ChannelID = "squad-1"
	ChannelSquad2     ChannelID = "squad-2"

	DefaultVolume = 100
)

// Channel is a team with its aggregate listen/speak/volume state.
type Channel struct {
	ID        ChannelID `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Listen    bool      `json:"listen"`
	Speak     bool      `json:"speak"`
	Volume    int       `json:"volume"`
	UpdatedAt int64     `json:"updatedAt"`
}

// ChannelFlags is one peer's state on one channel.
type ChannelFlags struct {
	Listen bool `json:"listen"`
	Speak  bool `json:"speak"`
	Volume int  `json:"volume"`
}

// DefaultTeams is the channel set a fresh session starts with.
func DefaultTeams(now int64) []Channel {
	return []Channel{
		{ID: ChannelCommandNet, Name: "Command", Color: "#f5a623", Listen: true, Volume: DefaultVolume, UpdatedAt: now},
		{ID: ChannelSquad1, Name: "Alpha", Color: "#ff0000", Listen: true, Volume: DefaultVolume, UpdatedAt: now},
		{ID: ChannelSquad2, Name: "Bravo", Color: "#00ff00", Listen: true, Volume: DefaultVolume, UpdatedAt: now},
	}
}
