// Package joinqueue buffers join attempts made while no host is reachable.
package joinqueue

import (
	"slices"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

type Manager struct {
	sched   core.Scheduler
	timeout time.Duration
	queue   []domain.JoinRequest
}

func New(sched core.Scheduler, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{sched: sched, timeout: timeout}
}

// Queue appends a request expiring after the queue timeout. A user with a
// live request keeps its position and gets a fresh expiry. An expired
// request is dropped and the user goes to the back of the queue.
func (m *Manager) Queue(userID domain.PeerID, username string) domain.JoinRequest {
	now := m.sched.Now()
	req := domain.JoinRequest{
		UserID:      userID,
		Username:    username,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.timeout),
	}
	for i := range m.queue {
		if m.queue[i].UserID != userID {
			continue
		}
		if m.queue[i].Expired(now) {
			m.queue = slices.Delete(m.queue, i, i+1)
			break
		}
		m.queue[i].Username = username
		m.queue[i].ExpiresAt = req.ExpiresAt
		return m.queue[i]
	}
	m.queue = append(m.queue, req)
	log.Info().Str("module", "app.joinqueue").Str("user", string(userID)).Time("expires", req.ExpiresAt).Msg("join queued")
	return req
}

// Drain hands out every live request in insertion order once a host is
// reachable and empties the queue; expired requests are dropped silently.
func (m *Manager) Drain(hostReconnected bool) []domain.JoinRequest {
	if !hostReconnected {
		return nil
	}
	now := m.sched.Now()
	var out []domain.JoinRequest
	dropped := 0
	for _, r := range m.queue {
		if r.Expired(now) {
			dropped++
			continue
		}
		out = append(out, r)
	}
	m.queue = nil
	if len(out) > 0 || dropped > 0 {
		log.Info().Str("module", "app.joinqueue").Int("drained", len(out)).Int("expired", dropped).Msg("join queue drained")
	}
	return out
}

// Prune drops expired requests without draining.
func (m *Manager) Prune() int {
	now := m.sched.Now()
	live := m.queue[:0]
	for _, r := range m.queue {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	n := len(m.queue) - len(live)
	clear(m.queue[len(live):])
	m.queue = live
	return n
}

func (m *Manager) Len() int { return len(m.queue) }

func (m *Manager) Pending(userID domain.PeerID) (domain.JoinRequest, bool) {
	for _, r := range m.queue {
		if r.UserID == userID && !r.Expired(m.sched.Now()) {
			return r, true
		}
	}
	return domain.JoinRequest{}, false
}

func (m *Manager) Remove(userID domain.PeerID) {
	for i, r := range m.queue {
		if r.UserID == userID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}
