package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "GCOMMS"

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	NodeID       string        `mapstructure:"node_id"`

	// BackpressureLimit is how many refused sends in a row reset a peer link.
	BackpressureLimit int `mapstructure:"backpressure_limit"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	JoinQueue JoinQueueConfig `mapstructure:"join_queue"`
	Join      JoinConfig      `mapstructure:"join"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Media     MediaConfig     `mapstructure:"media"`
	Peers     []PeerEntry     `mapstructure:"peers"`
}

type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type JoinQueueConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type JoinConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	WaitRetry    time.Duration `mapstructure:"wait_retry"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type SyncConfig struct {
	HashInterval time.Duration `mapstructure:"hash_interval"`
	MaxRepull    int           `mapstructure:"max_repull"`
}

type SessionConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	QuotaBytes   int    `mapstructure:"quota_bytes"`
	ConsulAddr   string `mapstructure:"consul_addr"`
	ConsulPrefix string `mapstructure:"consul_prefix"`
}

type MediaConfig struct {
	Audio      bool     `mapstructure:"audio"`
	ICEServers []string `mapstructure:"ice_servers"`
}

// PeerEntry tells the signal transport where a peer's endpoint lives.
// A list keeps peer ids case-sensitive, which viper map keys are not.
type PeerEntry struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

var ErrInvalid = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", "")
	v.SetDefault("backpressure_limit", 8)

	v.SetDefault("heartbeat.interval", "3s")
	v.SetDefault("heartbeat.stale_threshold", "10s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "10s")
	v.SetDefault("reconnect.attempt_timeout", "5s")
	v.SetDefault("join_queue.timeout", "30s")
	v.SetDefault("join.timeout", "5s")
	v.SetDefault("join.wait_retry", "2s")
	v.SetDefault("join.rate_limit", 5)
	v.SetDefault("join.rate_interval", "10s")
	v.SetDefault("sync.hash_interval", "5s")
	v.SetDefault("sync.max_repull", 3)
	v.SetDefault("session.max_age", "5m")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite_path", "gcomms.db")
	v.SetDefault("storage.quota_bytes", 5<<20)
	v.SetDefault("storage.consul_addr", "127.0.0.1:8500")
	v.SetDefault("storage.consul_prefix", "gcomms/")

	v.SetDefault("media.audio", true)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A .env file
// and GCOMMS_* variables override it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Str("module", "config").Msg("loaded .env")
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "gcomms-node-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Backend).Str("node", cfg.NodeID).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Heartbeat.Interval <= 0:
		return fmt.Errorf("%w: heartbeat.interval must be positive", ErrInvalid)
	case c.Heartbeat.StaleThreshold < 2*c.Heartbeat.Interval:
		return fmt.Errorf("%w: heartbeat.stale_threshold below two intervals", ErrInvalid)
	case c.Reconnect.MaxAttempts <= 0:
		return fmt.Errorf("%w: reconnect.max_attempts must be positive", ErrInvalid)
	case c.Reconnect.MaxDelay < c.Reconnect.BaseDelay:
		return fmt.Errorf("%w: reconnect.max_delay below base_delay", ErrInvalid)
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("%w: peer entry needs id and url", ErrInvalid)
		}
	}
	return nil
}
