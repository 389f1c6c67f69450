package storage

import (
	"fmt"
	"strings"

	"github.com/dkeye/gcomms/internal/core"
	consulapi "github.com/hashicorp/consul/api"
)

// consulValueLimit is Consul's per-value size limit.
const consulValueLimit = 512 * 1024

// Consul keeps entries under a per-node prefix in Consul KV.
type Consul struct {
	kv     *consulapi.KV
	prefix string
}

func NewConsul(addr, prefix string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Consul{kv: cli.KV(), prefix: prefix}, nil
}

func (c *Consul) Get(key string) (string, bool, error) {
	pair, _, err := c.kv.Get(c.prefix+key, nil)
	if err != nil {
		return "", false, fmt.Errorf("consul get %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

func (c *Consul) Set(key, value string) error {
	if len(value) > consulValueLimit {
		return fmt.Errorf("consul set %s: %w", key, core.ErrQuotaExceeded)
	}
	if _, err := c.kv.Put(&consulapi.KVPair{Key: c.prefix + key, Value: []byte(value)}, nil); err != nil {
		return fmt.Errorf("consul set %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *Consul) Remove(key string) error {
	if _, err := c.kv.Delete(c.prefix+key, nil); err != nil {
		return fmt.Errorf("consul remove %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	return nil
}
