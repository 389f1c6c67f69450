package storage

import (
	"path/filepath"
	"testing"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, s core.Substrate) {
	t.Helper()
	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v1"))
	require.NoError(t, s.Set("k", "v2"))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Remove("k"))
	require.NoError(t, s.Remove("k"))
	_, ok, err = s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSubstrates checks the shared get/set/remove contract.
func TestSubstrates(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		exercise(t, NewMemory(0))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), 0)
		require.NoError(t, err)
		defer s.Close()
		exercise(t, s)
	})
}

// TestQuota checks both local substrates reject writes over quota and
// account for overwrites.
func TestQuota(t *testing.T) {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "q.db"), 10)
	require.NoError(t, err)
	defer sq.Close()

	for name, s := range map[string]core.Substrate{"memory": NewMemory(10), "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("a", "1234"))
			require.NoError(t, s.Set("b", "123"))
			assert.ErrorIs(t, s.Set("c", "123"), core.ErrQuotaExceeded)
			require.NoError(t, s.Set("a", "12345"))
			require.NoError(t, s.Remove("b"))
			require.NoError(t, s.Set("c", "123"))
		})
	}
}

// TestOpenUnknownBackend checks configuration errors surface.
func TestOpenUnknownBackend(t *testing.T) {
	_, closeFn, err := Open(Options{Backend: "redis"})
	assert.Error(t, err)
	assert.NoError(t, closeFn())

	s, closeFn, err := Open(Options{Backend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.NoError(t, closeFn())
}
