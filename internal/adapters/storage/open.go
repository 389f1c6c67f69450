package storage

import (
	"fmt"

	"github.com/dkeye/gcomms/internal/core"
)

type Options struct {
	Backend      string
	SQLitePath   string
	QuotaBytes   int
	ConsulAddr   string
	ConsulPrefix string
}

// Open builds the configured substrate. The returned close func is never nil.
func Open(opts Options) (core.Substrate, func() error, error) {
	noop := func() error { return nil }
	switch opts.Backend {
	case "", "memory":
		return NewMemory(opts.QuotaBytes), noop, nil
	case "sqlite":
		s, err := OpenSQLite(opts.SQLitePath, opts.QuotaBytes)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "consul":
		c, err := NewConsul(opts.ConsulAddr, opts.ConsulPrefix)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
