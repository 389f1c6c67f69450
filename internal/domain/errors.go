package domain

import (
	"errors"
	"fmt"
)

const HostUnavailableCode = "HOST_UNAVAILABLE"

var (
	ErrHostUnavailable = errors.New("host unavailable")
	ErrNotHost         = errors.New("only the host may author canonical writes")
	ErrUnknownUser     = errors.New("unknown user")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidRole     = errors.New("invalid role")
	ErrNotJoined       = errors.New("not in a session")
	ErrAlreadyJoined   = errors.New("already in a session")
)

// HostUnavailableError is surfaced when failover is exhausted or a join
// finds no reachable host.
type HostUnavailableError struct {
	SessionCode string
	Message     string
}

func NewHostUnavailableError(code string) *HostUnavailableError {
	return &HostUnavailableError{
		SessionCode: code,
		Message:     "Session host is not available. The session may have ended.",
	}
}

func (e *HostUnavailableError) Error() string {
	return fmt.Sprintf("%s: session %s: %s", HostUnavailableCode, e.SessionCode, e.Message)
}

func (e *HostUnavailableError) Code() string { return HostUnavailableCode }

func (e *HostUnavailableError) Unwrap() error { return ErrHostUnavailable }
