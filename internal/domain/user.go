// Package domain holds the session entities shared by every peer, their
// validation rules, session codes and the sentinel errors they produce.
package domain

import (
	"errors"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// Status is the operator readiness shown next to a callsign.
type Status string

const (
	StatusReady   Status = "READY"
	StatusWaitOne Status = "WAIT ONE"
	StatusDown    Status = "DOWN"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusWaitOne, StatusDown:
		return true
	}
	return false
}

// User is a member of the canonical session, unique by ID.
type User struct {
	ID        PeerID    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ChannelID ChannelID `json:"channelId"`
	Status    Status    `json:"status"`
	JoinedAt  int64     `json:"joinedAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
