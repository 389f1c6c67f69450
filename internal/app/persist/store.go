// Package persist is the durable local snapshot of session identity,
// layered over an opaque string key/value substrate.
//
// Nothing in this package surfaces storage failures to callers: corrupt
// entries are purged, quota errors trigger eviction, and an unusable
// substrate degrades the store to memory-only for the rest of the process.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/rs/zerolog/log"
)

const (
	KeySession     = "gcomms_session"
	KeyUser        = "gcomms_user"
	KeyPreferences = "gcomms_preferences"
	KeyReconnect   = "gcomms_reconnect"
)

// ReservedKeys in eviction order, least critical first.
var ReservedKeys = []string{KeyReconnect, KeySession, KeyUser, KeyPreferences}

type Config struct {
	MaxSessionAge time.Duration
}

func DefaultConfig() Config {
	return Config{MaxSessionAge: 5 * time.Minute}
}

type Store struct {
	sub core.Substrate
	clk clock.Clock
	cfg Config

	memOnly bool
	mem     map[string]string
	// keys held in mem because nothing less critical could make room
	spilled map[string]bool
}

func New(sub core.Substrate, clk clock.Clock, cfg Config) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{sub: sub, clk: clk, cfg: cfg, mem: make(map[string]string), spilled: make(map[string]bool)}
}

// MemoryOnly reports whether the substrate has been abandoned.
func (s *Store) MemoryOnly() bool { return s.memOnly }

// Save JSON-encodes v under key. Only an encoding failure is returned.
func (s *Store) Save(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	s.set(key, string(b))
	return nil
}

// Load decodes key into a T, returning def when the key is missing. A value
// that fails to decode is purged.
func Load[T any](s *Store, key string, def T) T {
	raw, ok := s.get(key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn().Str("module", "app.persist").Str("key", key).Err(err).Msg("corrupt entry purged")
		s.Remove(key)
		return def
	}
	return v
}

func (s *Store) Exists(key string) bool {
	_, ok := s.get(key)
	return ok
}

func (s *Store) Remove(key string) {
	delete(s.mem, key)
	delete(s.spilled, key)
	if s.memOnly {
		return
	}
	if err := s.sub.Remove(key); err != nil {
		s.degrade(key, err)
	}
}

// Clear removes every reserved key.
func (s *Store) Clear() {
	for _, k := range ReservedKeys {
		s.Remove(k)
	}
}

// ClearSessionData removes session, user and reconnect data and keeps
// preferences.
func (s *Store) ClearSessionData() {
	s.Remove(KeySession)
	s.Remove(KeyUser)
	s.Remove(KeyReconnect)
}

func (s *Store) get(key string) (string, bool) {
	if s.memOnly || s.spilled[key] {
		if v, ok := s.mem[key]; ok {
			return v, true
		}
		return "", false
	}
	v, ok, err := s.sub.Get(key)
	if err != nil {
		s.degrade(key, err)
		return "", false
	}
	return v, ok
}

func (s *Store) set(key, value string) {
	if s.memOnly {
		s.mem[key] = value
		return
	}
	err := s.sub.Set(key, value)
	if err == nil {
		s.unspill(key)
		return
	}
	if errors.Is(err, core.ErrQuotaExceeded) {
		if !s.evict(key) {
			s.spill(key, value)
			return
		}
		if err = s.sub.Set(key, value); err == nil {
			s.unspill(key)
			return
		}
	}
	s.degrade(key, err)
	s.mem[key] = value
}

// evict drops the least critical entry that ranks strictly below keep in
// ReservedKeys. Keys outside ReservedKeys never displace reserved ones.
func (s *Store) evict(keep string) bool {
	rank := slices.Index(ReservedKeys, keep)
	for _, k := range ReservedKeys[:max(rank, 0)] {
		if _, ok, err := s.sub.Get(k); err != nil || !ok {
			continue
		}
		if err := s.sub.Remove(k); err != nil {
			return false
		}
		log.Info().Str("module", "app.persist").Str("evicted", k).Str("key", keep).Msg("quota exceeded, evicted entry")
		return true
	}
	return false
}

// spill keeps key in memory only, leaving the substrate in use for the rest.
func (s *Store) spill(key, value string) {
	if !s.spilled[key] {
		log.Warn().Str("module", "app.persist").Str("key", key).Msg("quota exceeded, nothing less critical to evict, keeping entry in memory")
	}
	s.spilled[key] = true
	s.mem[key] = value
}

func (s *Store) unspill(key string) {
	if s.spilled[key] {
		delete(s.spilled, key)
		delete(s.mem, key)
	}
}

func (s *Store) degrade(key string, err error) {
	if s.memOnly {
		return
	}
	s.memOnly = true
	for _, k := range ReservedKeys {
		if _, ok := s.mem[k]; ok {
			continue
		}
		if v, ok, gerr := s.sub.Get(k); gerr == nil && ok {
			s.mem[k] = v
		}
	}
	log.Warn().Str("module", "app.persist").Str("key", key).Err(err).Msg("storage unusable, continuing in memory only")
}

type expiring struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt int64           `json:"expiresAt"`
}

// SaveWithExpiry stores v wrapped with an absolute expiry of now+ttl.
func (s *Store) SaveWithExpiry(key string, v any, ttl time.Duration) error {
	return s.SaveUntil(key, v, s.clk.Now().Add(ttl))
}

func (s *Store) SaveUntil(key string, v any, expiresAt time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return s.Save(key, expiring{Data: b, ExpiresAt: expiresAt.UnixMilli()})
}

// LoadWithExpiry returns def and purges key once the entry has expired.
func LoadWithExpiry[T any](s *Store, key string, def T) T {
	w := Load(s, key, expiring{})
	if len(w.Data) == 0 {
		return def
	}
	if s.clk.Now().UnixMilli() >= w.ExpiresAt {
		s.Remove(key)
		return def
	}
	var v T
	if err := json.Unmarshal(w.Data, &v); err != nil {
		log.Warn().Str("module", "app.persist").Str("key", key).Err(err).Msg("corrupt entry purged")
		s.Remove(key)
		return def
	}
	return v
}
