package persist

import (
	"fmt"

	"github.com/dkeye/gcomms/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionRecord struct {
	SessionCode  string        `json:"sessionCode"`
	IsHost       bool          `json:"isHost"`
	HostID       domain.PeerID `json:"hostId,omitempty"`
	PeerID       domain.PeerID `json:"peerId,omitempty"`
	JoinedAt     int64         `json:"joinedAt"`
	LastActivity int64         `json:"lastActivity"`
}

type Preferences struct {
	GlobalMute     bool                                 `json:"globalMute"`
	DefaultVolume  int                                  `json:"defaultVolume,omitempty"`
	ChannelVolumes map[domain.ChannelID]int             `json:"channelVolumes,omitempty"`
	ChannelStates  map[domain.ChannelID]PreferenceFlags `json:"channelStates,omitempty"`
}

type PreferenceFlags struct {
	Listen bool `json:"listen"`
	Speak  bool `json:"speak"`
}

type RejoinOffer struct {
	SessionCode string `json:"sessionCode"`
	Username    string `json:"username"`
	Message     string `json:"message"`
}

// SaveSession stamps lastActivity with the current time.
func (s *Store) SaveSession(rec SessionRecord) error {
	rec.LastActivity = s.clk.Now().UnixMilli()
	return s.Save(KeySession, rec)
}

// Touch refreshes lastActivity on the stored session, if any.
func (s *Store) Touch() {
	rec := Load(s, KeySession, SessionRecord{})
	if rec.SessionCode == "" {
		return
	}
	if err := s.SaveSession(rec); err != nil {
		log.Error().Str("module", "app.persist").Err(err).Msg("touch session")
	}
}

// RestoreSession returns the stored session when it is recent enough to
// resume. A stale session is reported as absent.
func (s *Store) RestoreSession() (SessionRecord, bool) {
	rec := Load(s, KeySession, SessionRecord{})
	if rec.SessionCode == "" || rec.LastActivity == 0 {
		return SessionRecord{}, false
	}
	age := s.clk.Now().UnixMilli() - rec.LastActivity
	if age >= s.cfg.MaxSessionAge.Milliseconds() {
		log.Info().Str("module", "app.persist").Str("session", rec.SessionCode).Int64("age_ms", age).Msg("stored session too old")
		return SessionRecord{}, false
	}
	return rec, true
}

func (s *Store) SaveUser(id domain.Identity) error {
	return s.Save(KeyUser, id)
}

func (s *Store) LoadUser() (domain.Identity, bool) {
	id := Load(s, KeyUser, domain.Identity{})
	return id, id.Username != ""
}

func (s *Store) SavePreferences(p Preferences) error {
	return s.Save(KeyPreferences, p)
}

func (s *Store) LoadPreferences() Preferences {
	return Load(s, KeyPreferences, Preferences{DefaultVolume: domain.DefaultVolume})
}

func (s *Store) SaveReconnect(rec domain.ReconnectRecord) error {
	return s.Save(KeyReconnect, rec)
}

func (s *Store) LoadReconnect() (domain.ReconnectRecord, bool) {
	rec := Load(s, KeyReconnect, domain.ReconnectRecord{})
	return rec, rec.PeerID != ""
}

func (s *Store) ClearReconnect() error {
	s.Remove(KeyReconnect)
	return nil
}

// RejoinInfo offers the previous session when both a restorable session
// and a user are stored.
func (s *Store) RejoinInfo() (RejoinOffer, bool) {
	rec, ok := s.RestoreSession()
	if !ok {
		return RejoinOffer{}, false
	}
	user, ok := s.LoadUser()
	if !ok {
		return RejoinOffer{}, false
	}
	return RejoinOffer{
		SessionCode: rec.SessionCode,
		Username:    user.Username,
		Message:     fmt.Sprintf("Rejoin session %s as %s?", rec.SessionCode, user.Username),
	}, true
}
