package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteOpTimeout = 2 * time.Second

// SQLite is a durable substrate in a single-file database.
type SQLite struct {
	db    *sql.DB
	quota int
}

func OpenSQLite(path string, quotaBytes int) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv(k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info().Str("module", "adapters.storage").Str("path", path).Msg("sqlite store opened")
	return &SQLite{db: db, quota: quotaBytes}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	return v, true, nil
}

func (s *SQLite) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	if s.quota > 0 {
		var used int
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(k) + LENGTH(v)), 0) FROM kv WHERE k <> ?`, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("sqlite usage: %w: %v", core.ErrStorageUnavailable, err)
		}
		if used+len(key)+len(value) > s.quota {
			return fmt.Errorf("sqlite set %s: %w", key, core.ErrQuotaExceeded)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(k, v) VALUES(?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLite) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("sqlite remove %s: %w: %v", key, core.ErrStorageUnavailable, err)
	}
	return nil
}
