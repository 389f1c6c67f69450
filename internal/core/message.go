package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/gcomms/internal/domain"
)

type MessageType string

const (
	MsgHeartbeat       MessageType = "heartbeat"
	MsgStateUpdate     MessageType = "state-update"
	MsgHostTransfer    MessageType = "host-transfer"
	MsgJoinRequest     MessageType = "join-request"
	MsgJoinResponse    MessageType = "join-response"
	MsgStateHash       MessageType = "state-hash"
	MsgStateRequest    MessageType = "state-request"
	MsgStateSnapshot   MessageType = "state-snapshot"
	MsgCommand         MessageType = "command"
	MsgCommandRejected MessageType = "command-rejected"
	MsgLeave           MessageType = "leave"
	MsgMediaOffer      MessageType = "media-offer"
	MsgMediaAnswer     MessageType = "media-answer"
)

// Message is the wire envelope: {type, from, payload}.
type Message struct {
	Type    MessageType     `json:"type"`
	From    domain.PeerID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = b
	return msg, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type StateUpdatePayload struct {
	HostID    domain.PeerID   `json:"hostId"`
	Mutation  domain.Mutation `json:"mutation"`
	Timestamp int64           `json:"timestamp"`
}

type HostTransferPayload struct {
	NewHostID    domain.PeerID       `json:"newHostId"`
	PrevHostID   domain.PeerID       `json:"prevHostId,omitempty"`
	SessionCode  string              `json:"sessionCode"`
	SessionState domain.SessionState `json:"sessionState"`
	Timestamp    int64               `json:"timestamp"`
}

type JoinRequestPayload struct {
	UserID      domain.PeerID    `json:"userId"`
	Username    string           `json:"username"`
	SessionCode string           `json:"sessionCode"`
	Role        domain.Role      `json:"role,omitempty"`
	ChannelID   domain.ChannelID `json:"channelId,omitempty"`
}

type JoinResponsePayload struct {
	Accepted     bool                `json:"accepted"`
	Code         string              `json:"code,omitempty"`
	Error        string              `json:"error,omitempty"`
	HostID       domain.PeerID       `json:"hostId,omitempty"`
	SessionCode  string              `json:"sessionCode,omitempty"`
	SessionState domain.SessionState `json:"sessionState"`
	Timestamp    int64               `json:"timestamp"`
}

type StateHashPayload struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

type StateSnapshotPayload struct {
	HostID       domain.PeerID       `json:"hostId"`
	SessionCode  string              `json:"sessionCode"`
	SessionState domain.SessionState `json:"sessionState"`
	Timestamp    int64               `json:"timestamp"`
}

type CommandPayload struct {
	Mutation domain.Mutation `json:"mutation"`
}

// CommandRejectedPayload tells a forwarding peer the host refused its command.
type CommandRejectedPayload struct {
	Kind  domain.MutationKind `json:"kind"`
	Error string              `json:"error"`
}

type LeavePayload struct {
	UserID domain.PeerID `json:"userId"`
}

// MediaDescriptionPayload carries a complete (non-trickle) SDP.
type MediaDescriptionPayload struct {
	SDP string `json:"sdp"`
}
