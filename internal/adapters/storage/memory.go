// Package storage provides the key/value substrates persistence runs on.
package storage

import (
	"fmt"
	"sync"

	"github.com/dkeye/gcomms/internal/core"
)

// Memory is an in-process substrate with an optional byte quota over
// the sum of key and value lengths.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]string
	quota int
	used  int
}

func NewMemory(quotaBytes int) *Memory {
	return &Memory{data: make(map[string]string), quota: quotaBytes}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		next -= len(key) + len(old)
	}
	if m.quota > 0 && next > m.quota {
		return fmt.Errorf("set %s: %w", key, core.ErrQuotaExceeded)
	}
	m.data[key] = value
	m.used = next
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// Used reports the bytes counted against the quota.
func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
