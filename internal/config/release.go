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
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
)

// Release authorizers.
const (
	AuthorizerAllow = "allow"
	AuthorizerDeny  = "deny"
	AuthorizerGrant = "grant"
)

// ReleaseConfig decides which release requests a custodian honors
type ReleaseConfig struct {
	// Authorizer is allow, deny or grant.
	Authorizer string `yaml:"authorizer"`

	// DenyReason is reported to requesters when Authorizer is deny.
	DenyReason string `yaml:"deny_reason"`

	Grant GrantConfig `yaml:"grant"`
}

// GrantConfig configures signed release grants
type GrantConfig struct {
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	Leeway     time.Duration `yaml:"leeway"`
}

func (cfg *ReleaseConfig) validate() error {
	switch cfg.Authorizer {
	case AuthorizerAllow, AuthorizerDeny:
		return nil
	case AuthorizerGrant:
		if cfg.Grant.Secret == "" && cfg.Grant.SecretFile == "" {
			return fmt.Errorf("release grant secret or secret_file is required for the grant authorizer")
		}
		if cfg.Grant.Secret != "" && len(cfg.Grant.Secret) < custodian.MinGrantSecretLength {
			return fmt.Errorf("release grant secret must be at least %d bytes", custodian.MinGrantSecretLength)
		}
		return nil
	default:
		return fmt.Errorf("unknown release authorizer: %q (must be allow, deny, or grant)", cfg.Authorizer)
	}
}

// GrantSecret returns the configured secret, reading SecretFile when set.
func (cfg *GrantConfig) GrantSecret() ([]byte, error) {
	if cfg.SecretFile == "" {
		return []byte(cfg.Secret), nil
	}
	// #nosec G304 - Secret file path from trusted config
	data, err := os.ReadFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read grant secret file: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// CustodianGrantConfig converts the grant section for the custodian package.
func (cfg *GrantConfig) CustodianGrantConfig() (*custodian.GrantConfig, error) {
	secret, err := cfg.GrantSecret()
	if err != nil {
		return nil, err
	}
	return &custodian.GrantConfig{
		Secret:   secret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	}, nil
}

// CreateAuthorizer builds the release authorizer from the configuration
func (cfg *ReleaseConfig) CreateAuthorizer() (custodian.Authorizer, error) {
	switch cfg.Authorizer {
	case AuthorizerAllow:
		return custodian.AllowAll{}, nil

	case AuthorizerDeny, "":
		return custodian.DenyAll{Reason: cfg.DenyReason}, nil

	case AuthorizerGrant:
		gc, err := cfg.Grant.CustodianGrantConfig()
		if err != nil {
			return nil, err
		}
		return custodian.NewGrantAuthorizer(gc)

	default:
		return nil, fmt.Errorf("unknown release authorizer: %s", cfg.Authorizer)
	}
}
