package domain

// Capability is produced once by the transport for a peer and validated
// against RequiredHostCapabilities before promotion.
type Capability struct {
	HasDataChannel  bool            `json:"hasDataChannel"`
	HasAudioStream  bool            `json:"hasAudioStream"`
	ConnectionState ConnectionState `json:"connectionState"`
	Destroyed       bool            `json:"destroyed"`
}

type CapabilityFlag uint8

const (
	CapDataChannel CapabilityFlag = 1 << iota
	CapAudioStream
	CapConnected
	CapAcceptsConnections
)

const RequiredHostCapabilities = CapDataChannel | CapAudioStream | CapConnected | CapAcceptsConnections

var capabilityNames = []struct {
	flag CapabilityFlag
	name string
}{
	{CapDataChannel, "data-channel"},
	{CapAudioStream, "audio-stream"},
	{CapConnected, "connected"},
	{CapAcceptsConnections, "accepts-connections"},
}

func (c Capability) Flags() CapabilityFlag {
	var f CapabilityFlag
	if c.HasDataChannel {
		f |= CapDataChannel
	}
	if c.HasAudioStream {
		f |= CapAudioStream
	}
	if c.ConnectionState == ConnConnected {
		f |= CapConnected
	}
	if !c.Destroyed {
		f |= CapAcceptsConnections
	}
	return f
}

func (c Capability) Satisfies(required CapabilityFlag) bool {
	return c.Flags()&required == required
}

// Missing names the required capabilities c lacks.
func (c Capability) Missing(required CapabilityFlag) []string {
	have := c.Flags()
	var out []string
	for _, n := range capabilityNames {
		if required&n.flag != 0 && have&n.flag == 0 {
			out = append(out, n.name)
		}
	}
	return out
}
