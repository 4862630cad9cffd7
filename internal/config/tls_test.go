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
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/internal/testutil"
)

func TestLoadTLSConfig_Disabled(t *testing.T) {
	tlsConfig, err := (&TLSConfig{}).LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}

func TestLoadTLSConfig_Valid(t *testing.T) {
	files := testutil.WriteServerFiles(t, t.TempDir())

	tlsConfig, err := (&TLSConfig{
		Enabled:    true,
		CertFile:   files.CertFile,
		KeyFile:    files.KeyFile,
		MinVersion: "TLS1.3",
		MaxVersion: "TLS1.3",
	}).LoadTLSConfig()
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsConfig.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsConfig.MaxVersion)
	assert.Equal(t, tls.NoClientCert, tlsConfig.ClientAuth)
}

func TestLoadTLSConfig_DefaultsToTLS12(t *testing.T) {
	files := testutil.WriteServerFiles(t, t.TempDir())

	tlsConfig, err := (&TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile}).LoadTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
	assert.Zero(t, tlsConfig.MaxVersion)
}

func TestLoadTLSConfig_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := (&TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "missing.pem"),
		KeyFile:  filepath.Join(dir, "missing-key.pem"),
	}).LoadTLSConfig()
	assert.ErrorContains(t, err, "failed to load server certificate")
}

func TestLoadTLSConfig_CipherSuites(t *testing.T) {
	files := testutil.WriteServerFiles(t, t.TempDir())
	base := TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile}

	cfg := base
	cfg.CipherSuites = []string{"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"}
	tlsConfig, err := cfg.LoadTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384}, tlsConfig.CipherSuites)

	cfg.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"}
	_, err = cfg.LoadTLSConfig()
	assert.ErrorContains(t, err, "unknown cipher suite")
}

func TestLoadTLSConfig_ClientAuth(t *testing.T) {
	files := testutil.WriteServerFiles(t, t.TempDir())

	tlsConfig, err := (&TLSConfig{
		Enabled:    true,
		CertFile:   files.CertFile,
		KeyFile:    files.KeyFile,
		CAFile:     files.CAFile,
		ClientAuth: "require_and_verify",
	}).LoadTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, tlsConfig.ClientAuth)
	assert.NotNil(t, tlsConfig.ClientCAs)

	_, err = (&TLSConfig{
		Enabled:    true,
		CertFile:   files.CertFile,
		KeyFile:    files.KeyFile,
		ClientAuth: "sometimes",
	}).LoadTLSConfig()
	assert.ErrorContains(t, err, "invalid client_auth")
}

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"TLS1.2", tls.VersionTLS12},
		{"TLS1.3", tls.VersionTLS13},
		{"TLS1.0", tls.VersionTLS12},
		{"bogus", tls.VersionTLS12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseTLSVersion(tt.in), tt.in)
	}
}

func TestParseClientAuthType(t *testing.T) {
	tests := map[string]tls.ClientAuthType{
		"":                   tls.NoClientCert,
		"none":               tls.NoClientCert,
		"request":            tls.RequestClientCert,
		"require":            tls.RequireAnyClientCert,
		"verify":             tls.VerifyClientCertIfGiven,
		"require_and_verify": tls.RequireAndVerifyClientCert,
	}
	for in, want := range tests {
		got, err := parseClientAuthType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseClientAuthType("always")
	assert.Error(t, err)
}

func TestLoadCertPool(t *testing.T) {
	dir := t.TempDir()
	ca1, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	ca2, err := testutil.GenerateTestCA()
	require.NoError(t, err)

	p1 := filepath.Join(dir, "ca1.pem")
	p2 := filepath.Join(dir, "ca2.pem")
	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(p1, ca1.CertPEM, 0600))
	require.NoError(t, os.WriteFile(p2, ca2.CertPEM, 0600))
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0600))

	pool, err := loadCertPool(p1, []string{p2})
	require.NoError(t, err)
	assert.NotNil(t, pool)

	pool, err = loadCertPool("", []string{p2})
	require.NoError(t, err)
	assert.NotNil(t, pool)

	_, err = loadCertPool(filepath.Join(dir, "missing.pem"), nil)
	assert.ErrorContains(t, err, "failed to read CA file")

	_, err = loadCertPool(bad, nil)
	assert.ErrorContains(t, err, "failed to parse CA certificate")

	_, err = loadCertPool(p1, []string{bad})
	assert.Error(t, err)
}
