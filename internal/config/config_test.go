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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Custodian.ID = "custodian-1"
	cfg.Custodian.KeyFile = "/tmp/custodian.key"
	return cfg
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9443
  shutdown_timeout: 5s

logging:
  level: "debug"
  format: "text"

ratelimit:
  enabled: true
  requests_per_min: 120
  paths:
    - prefix: /v1/items
      requests_per_min: 30
      burst: 5

storage:
  backend: file
  path: /var/lib/escrow

custodian:
  id: custodian-3
  key_file: /etc/escrow/custodian.key

release:
  authorizer: grant
  grant:
    secret: "`+testSecret+`"
    issuer: policy-authority
    leeway: 30s

protocol:
  total: 5
  threshold: 3
  lines: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9443", cfg.Server.Addr())
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.RateLimit.Paths, 1)
	assert.Equal(t, 30, cfg.RateLimit.Paths[0].RequestsPerMin)
	assert.Equal(t, StorageFile, cfg.Storage.Backend)
	assert.Equal(t, "custodian-3", cfg.Custodian.ID)
	assert.Equal(t, AuthorizerGrant, cfg.Release.Authorizer)
	assert.Equal(t, 30*time.Second, cfg.Release.Grant.Leeway)

	params := cfg.Protocol.Params()
	assert.Equal(t, 5, params.Total)
	assert.Equal(t, 3, params.Threshold)
	assert.Equal(t, 4, params.Lines)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")

	// Defaults alone lack a custodian identity.
	_, err = Load(writeConfig(t, "logging:\n  level: info\n"))
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_HOST", "10.1.1.1")
	t.Setenv("ESCROW_PORT", "7000")
	t.Setenv("ESCROW_LOG_LEVEL", "warn")
	t.Setenv("ESCROW_LOG_FORMAT", "text")
	t.Setenv("ESCROW_TLS_ENABLED", "true")
	t.Setenv("ESCROW_TLS_CERT_FILE", "/c.pem")
	t.Setenv("ESCROW_TLS_KEY_FILE", "/k.pem")
	t.Setenv("ESCROW_RATELIMIT_ENABLED", "false")
	t.Setenv("ESCROW_STORAGE_BACKEND", "postgres")
	t.Setenv("ESCROW_DATA_DIR", "/data")
	t.Setenv("ESCROW_POSTGRES_DSN", "postgres://localhost/escrow")
	t.Setenv("ESCROW_CUSTODIAN_ID", "custodian-9")
	t.Setenv("ESCROW_CUSTODIAN_KEY_FILE", "/keys/c9")
	t.Setenv("ESCROW_RELEASE_AUTHORIZER", "grant")
	t.Setenv("ESCROW_GRANT_SECRET", testSecret)

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "10.1.1.1", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.TLS.Enabled)
	assert.Equal(t, "/c.pem", cfg.TLS.CertFile)
	assert.Equal(t, "/k.pem", cfg.TLS.KeyFile)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, StoragePostgres, cfg.Storage.Backend)
	assert.Equal(t, "/data", cfg.Storage.Path)
	assert.Equal(t, "postgres://localhost/escrow", cfg.Storage.Postgres.DSN)
	assert.Equal(t, "custodian-9", cfg.Custodian.ID)
	assert.Equal(t, "/keys/c9", cfg.Custodian.KeyFile)
	assert.Equal(t, AuthorizerGrant, cfg.Release.Authorizer)
	assert.Equal(t, testSecret, cfg.Release.Grant.Secret)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000"} {
		t.Run(port, func(t *testing.T) {
			t.Setenv("ESCROW_PORT", port)
			t.Setenv("ESCROW_TLS_ENABLED", "maybe")
			cfg := Default()
			applyEnvOverrides(cfg)
			assert.Equal(t, 8443, cfg.Server.Port)
			assert.False(t, cfg.TLS.Enabled)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid port"},
		{"negative body limit", func(c *Config) { c.Server.MaxBodyBytes = -1 }, "max_body_bytes"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true; c.TLS.KeyFile = "k" }, "cert_file"},
		{"tls without key", func(c *Config) { c.TLS.Enabled = true; c.TLS.CertFile = "c" }, "key_file"},
		{"ratelimit zero", func(c *Config) { c.RateLimit.RequestsPerMin = 0 }, "requests_per_min"},
		{"ratelimit disabled zero", func(c *Config) { c.RateLimit.Enabled = false; c.RateLimit.RequestsPerMin = 0 }, ""},
		{"ratelimit bad path", func(c *Config) {
			c.RateLimit.Paths = []PathLimitConfig{{Prefix: "v1", RequestsPerMin: 1}}
		}, "ratelimit path"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"file without path", func(c *Config) { c.Storage.Backend = StorageFile }, "storage path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = StoragePostgres }, "dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "redis" }, "unknown storage backend"},
		{"custodian id", func(c *Config) { c.Custodian.ID = "" }, "custodian id"},
		{"custodian key", func(c *Config) { c.Custodian.KeyFile = "" }, "key_file"},
		{"unknown authorizer", func(c *Config) { c.Release.Authorizer = "maybe" }, "unknown release authorizer"},
		{"grant without secret", func(c *Config) { c.Release.Authorizer = AuthorizerGrant }, "secret"},
		{"grant short secret", func(c *Config) {
			c.Release.Authorizer = AuthorizerGrant
			c.Release.Grant.Secret = "short"
		}, "at least"},
		{"grant secret file", func(c *Config) {
			c.Release.Authorizer = AuthorizerGrant
			c.Release.Grant.SecretFile = "/run/secrets/grant"
		}, ""},
		{"threshold above total", func(c *Config) { c.Protocol.Threshold = 11 }, "protocol"},
		{"too few lines", func(c *Config) { c.Protocol.Lines = 1 }, "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateAuthorizer(t *testing.T) {
	allow, err := (&ReleaseConfig{Authorizer: AuthorizerAllow}).CreateAuthorizer()
	require.NoError(t, err)
	assert.IsType(t, custodian.AllowAll{}, allow)

	deny, err := (&ReleaseConfig{Authorizer: AuthorizerDeny, DenyReason: "closed"}).CreateAuthorizer()
	require.NoError(t, err)
	assert.Equal(t, custodian.DenyAll{Reason: "closed"}, deny)

	grant, err := (&ReleaseConfig{Authorizer: AuthorizerGrant, Grant: GrantConfig{Secret: testSecret}}).CreateAuthorizer()
	require.NoError(t, err)
	assert.IsType(t, &custodian.GrantAuthorizer{}, grant)

	_, err = (&ReleaseConfig{Authorizer: AuthorizerGrant, Grant: GrantConfig{Secret: "short"}}).CreateAuthorizer()
	assert.Error(t, err)

	_, err = (&ReleaseConfig{Authorizer: "other"}).CreateAuthorizer()
	assert.Error(t, err)
}

func TestGrantSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grant")
	require.NoError(t, os.WriteFile(path, []byte(testSecret+"\n"), 0600))

	gc := GrantConfig{SecretFile: path, Issuer: "authority"}
	secret, err := gc.GrantSecret()
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(secret))

	cgc, err := gc.CustodianGrantConfig()
	require.NoError(t, err)
	assert.Equal(t, "authority", cgc.Issuer)

	gc.SecretFile = filepath.Join(t.TempDir(), "missing")
	_, err = gc.GrantSecret()
	assert.True(t, strings.Contains(err.Error(), "grant secret file"))
}
