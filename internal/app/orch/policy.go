package orch

import "github.com/dkeye/gcomms/internal/domain"

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	ResetLink
)

// Policy decides what happens to a peer link whose send buffer is full.
// strikes counts consecutive backpressured sends, including this one.
type Policy interface {
	OnBackpressure(peer domain.PeerID, strikes int) BackpressureAction
}

// StrikePolicy drops messages until Limit consecutive sends have been
// refused, then resets the link so reconnection can rebuild it. A zero
// Limit never resets.
type StrikePolicy struct {
	Limit int
}

func (p StrikePolicy) OnBackpressure(_ domain.PeerID, strikes int) BackpressureAction {
	if p.Limit > 0 && strikes >= p.Limit {
		return ResetLink
	}
	return DropMessage
}
