package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.StaleThreshold)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.JoinQueue.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.MaxAge)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Contains(t, cfg.NodeID, "gcomms-node-")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := `
mode: debug
port: 9000
heartbeat:
  interval: 1s
  stale_threshold: 4s
storage:
  backend: sqlite
  sqlite_path: /tmp/gcomms-test.db
peers:
  - id: gcomms-ABC123-host
    url: ws://10.0.0.2:8080/api/ws/peer
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("GCOMMS_PORT", "9100")
	t.Setenv("GCOMMS_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "gcomms-ABC123-host", cfg.Peers[0].ID)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat:\n  interval: 5s\n  stale_threshold: 6s\n"), 0o600))
	_, err := LoadFile(path)
	assert.ErrorIs(t, err, ErrInvalid)
}
