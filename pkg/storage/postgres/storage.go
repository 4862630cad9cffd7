// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
// Package postgres provides a storage.Backend on PostgreSQL through
// lib/pq. All keys live in one table; values are BYTEA.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "escrow_kv"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Config holds connection settings.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN   string
	Table string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds every statement. Defaults to 5s.
	QueryTimeout time.Duration
}

// Storage is a PostgreSQL implementation of storage.Backend.
type Storage struct {
	db      *sql.DB
	table   string
	timeout time.Duration
	closed  atomic.Bool
}

// New connects, pings and creates the table if it does not exist.
func New(cfg *Config) (storage.Backend, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.New("postgres storage: DSN is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("postgres storage: invalid table name %q", table)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: opening database: %w", err)
	}
	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	s := &Storage{db: db, table: table, timeout: cfg.QueryTimeout}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres storage: pinging database: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres storage: running migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		metadata   JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_key_prefix ON %[1]s (key text_pattern_ops);
	`, s.table)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get retrieves the value for the given key.
func (s *Storage) Get(key string) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.ctx()
	defer cancel()

	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres storage: failed to read key %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Put upserts the value and any metadata from opts.
func (s *Storage) Put(key string, value []byte, opts *storage.Options) error {
	if err := s.check(key); err != nil {
		return err
	}
	var metadata []byte
	if opts != nil && len(opts.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(opts.Metadata); err != nil {
			return fmt.Errorf("%w: metadata: %v", storage.ErrInvalidData, err)
		}
	}
	if value == nil {
		value = []byte{}
	}

	ctx, cancel := s.ctx()
	defer cancel()

	query := fmt.Sprintf(`
	INSERT INTO %s (key, value, metadata, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (key) DO UPDATE SET
		value = EXCLUDED.value,
		metadata = EXCLUDED.metadata,
		updated_at = NOW()
	`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, value, nullable(metadata)); err != nil {
		return fmt.Errorf("postgres storage: failed to write key %q: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *Storage) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return fmt.Errorf("postgres storage: failed to delete key %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres storage: failed to delete key %q: %w", key, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns keys with the given prefix in sorted order.
func (s *Storage) List(prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`, s.table)
	rows, err := s.db.QueryContext(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("postgres storage: failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres storage: failed to list keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres storage: failed to list keys: %w", err)
	}
	return keys, nil
}

// Exists reports whether key is present.
func (s *Storage) Exists(key string) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}
	ctx, cancel := s.ctx()
	defer cancel()

	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1)`, s.table)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres storage: failed to check key %q: %w", key, err)
	}
	return ok, nil
}

// Ping checks connectivity. The custodian's readiness check calls it.
func (s *Storage) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) check(key string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return storage.ValidateKey(key)
}

func (s *Storage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func nullable(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
