package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	SessionCodeLen = 6
	peerIDPrefix   = "gcomms-"
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrInvalidSessionCode = errors.New("invalid session code")

// NewSessionCode returns a short code a human can type: 6 of [A-Z0-9].
func NewSessionCode() string {
	id := uuid.New()
	var b strings.Builder
	for i := 0; i < SessionCodeLen; i++ {
		b.WriteByte(codeAlphabet[int(id[i])%len(codeAlphabet)])
	}
	return b.String()
}

func ValidateSessionCode(code string) error {
	if len(code) != SessionCodeLen {
		return ErrInvalidSessionCode
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return ErrInvalidSessionCode
		}
	}
	return nil
}

// HostPeerID is the well-known peer id of the peer that created a session.
func HostPeerID(code string) PeerID {
	return PeerID(peerIDPrefix + code + "-host")
}

// JoinerPeerID derives a fresh peer id for a participant of code.
func JoinerPeerID(code string) PeerID {
	return PeerID(peerIDPrefix + code + "-" + uuid.NewString()[:8])
}
