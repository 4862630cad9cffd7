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
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESCROW_"

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Config represents the complete custodian server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Custodian CustodianConfig `yaml:"custodian"`
	Release   ReleaseConfig   `yaml:"release"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig controls per-client rate limiting
type RateLimitConfig struct {
	Enabled           bool              `yaml:"enabled"`
	RequestsPerMin    int               `yaml:"requests_per_min"`
	Burst             int               `yaml:"burst"`
	TrustProxyHeaders bool              `yaml:"trust_proxy_headers"`
	Paths             []PathLimitConfig `yaml:"paths"`
}

// PathLimitConfig overrides the default rate for a path prefix
type PathLimitConfig struct {
	Prefix         string `yaml:"prefix"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	Burst          int    `yaml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// CollectInterval is how often the share gauge is refreshed.
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// HealthConfig controls the probe endpoints
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// MaxShares marks readiness degraded above this many stored shares.
	// Zero disables the warning.
	MaxShares int `yaml:"max_shares"`
}

// StorageConfig selects where shares live
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains postgres backend settings
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CustodianConfig identifies this custodian
type CustodianConfig struct {
	ID string `yaml:"id"`

	// KeyFile holds the X25519 private key that unseals owner shares.
	KeyFile string `yaml:"key_file"`

	// GenerateKey creates KeyFile on first start when it is missing.
	GenerateKey bool `yaml:"generate_key"`
}

// ProtocolConfig fixes the sharing scheme this custodian participates in
type ProtocolConfig struct {
	Total     int `yaml:"total"`
	Threshold int `yaml:"threshold"`
	Lines     int `yaml:"lines"`
}

// Params converts the protocol section for the escrow package.
func (p ProtocolConfig) Params() escrow.Params {
	return escrow.Params{Total: p.Total, Threshold: p.Threshold, Lines: p.Lines}
}

// Default returns a configuration that serves a memory-backed custodian
// on :8443 without TLS. Releases are denied until an authorizer is set.
func Default() *Config {
	params := escrow.DefaultParams()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 600,
			Burst:          60,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", CollectInterval: 15 * time.Second},
		Health:  HealthConfig{Enabled: true, CheckTimeout: 2 * time.Second},
		Storage: StorageConfig{Backend: StorageMemory},
		Release: ReleaseConfig{Authorizer: AuthorizerDeny},
		Protocol: ProtocolConfig{
			Total:     params.Total,
			Threshold: params.Threshold,
			Lines:     params.Lines,
		},
	}
}

// Load reads configuration from a YAML file over Default, applies
// environment variable overrides and validates the result
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func env(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envPort(name string, current int) int {
	v := env(name)
	if v == "" {
		return current
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		log.Printf("Warning: invalid %s%s value %q, using %d", EnvPrefix, name, v, current)
		return current
	}
	return port
}

func envBool(name string, current bool) bool {
	v := env(name)
	if v == "" {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s%s value %q, using %t", EnvPrefix, name, v, current)
		return current
	}
	return b
}

// applyEnvOverrides applies ESCROW_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if host := env("HOST"); host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = envPort("PORT", cfg.Server.Port)

	if level := env("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := env("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	cfg.TLS.Enabled = envBool("TLS_ENABLED", cfg.TLS.Enabled)
	if cert := env("TLS_CERT_FILE"); cert != "" {
		cfg.TLS.CertFile = cert
	}
	if key := env("TLS_KEY_FILE"); key != "" {
		cfg.TLS.KeyFile = key
	}

	cfg.RateLimit.Enabled = envBool("RATELIMIT_ENABLED", cfg.RateLimit.Enabled)

	if backend := env("STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dataDir := env("DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
	}
	if dsn := env("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.Postgres.DSN = dsn
	}

	if id := env("CUSTODIAN_ID"); id != "" {
		cfg.Custodian.ID = id
	}
	if keyFile := env("CUSTODIAN_KEY_FILE"); keyFile != "" {
		cfg.Custodian.KeyFile = keyFile
	}

	if authz := env("RELEASE_AUTHORIZER"); authz != "" {
		cfg.Release.Authorizer = authz
	}
	if secret := env("GRANT_SECRET"); secret != "" {
		cfg.Release.Grant.Secret = secret
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("invalid max_body_bytes: %d", c.Server.MaxBodyBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMin < 1 {
			return fmt.Errorf("ratelimit requests_per_min must be positive")
		}
		for _, p := range c.RateLimit.Paths {
			if !strings.HasPrefix(p.Prefix, "/") || p.RequestsPerMin < 1 {
				return fmt.Errorf("invalid ratelimit path %q", p.Prefix)
			}
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage postgres dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q (must be memory, file, or postgres)", c.Storage.Backend)
	}

	if err := validation.ValidateCustodianID(c.Custodian.ID); err != nil {
		return fmt.Errorf("custodian id: %w", err)
	}
	if c.Custodian.KeyFile == "" {
		return fmt.Errorf("custodian key_file must be specified")
	}

	if err := c.Release.validate(); err != nil {
		return err
	}

	if err := c.Protocol.Params().Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	return nil
}
