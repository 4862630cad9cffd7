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
package cli

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/client"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/file"
)

// CustodianProfile is one custodian entry of the profile. Entries are
// listed in x order: the first receives share x=1.
type CustodianProfile struct {
	ID        string `mapstructure:"id"`
	Address   string `mapstructure:"address"`
	PublicKey string `mapstructure:"public_key"`

	TLSEnabled            bool   `mapstructure:"tls_enabled"`
	TLSInsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`
	TLSCAFile             string `mapstructure:"tls_ca_file"`
	TLSCertFile           string `mapstructure:"tls_cert_file"`
	TLSKeyFile            string `mapstructure:"tls_key_file"`

	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// PolicyProfile overrides escrow.DefaultPolicy field by field.
type PolicyProfile struct {
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	PhaseTimeout     time.Duration `mapstructure:"phase_timeout"`
	MaxRetries       *uint64       `mapstructure:"max_retries"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	ExtraShares      *int          `mapstructure:"extra_shares"`
}

func (p PolicyProfile) apply(base escrow.Policy) escrow.Policy {
	if p.CallTimeout > 0 {
		base.CallTimeout = p.CallTimeout
	}
	if p.PhaseTimeout > 0 {
		base.PhaseTimeout = p.PhaseTimeout
	}
	if p.MaxRetries != nil {
		base.MaxRetries = *p.MaxRetries
	}
	if p.RetryInterval > 0 {
		base.RetryInterval = p.RetryInterval
	}
	if p.MaxRetryInterval > 0 {
		base.MaxRetryInterval = p.MaxRetryInterval
	}
	if p.ExtraShares != nil {
		base.ExtraShares = *p.ExtraShares
	}
	return base
}

// network is everything an owner or buyer needs: parameters, policy, the
// custodian clients and the local ledger.
type network struct {
	params     escrow.Params
	policy     escrow.Policy
	custodians []escrow.Custodian
	clients    []*client.Custodian
	ledger     *escrow.StorageLedger
	logger     logging.Logger
}

func (n *network) Close() {
	for _, c := range n.clients {
		_ = c.Close()
	}
}

// params reads protocol.* over escrow.DefaultParams.
func (a *app) params() (escrow.Params, error) {
	params := escrow.DefaultParams()
	if a.v.IsSet("protocol.total") {
		params.Total = a.v.GetInt("protocol.total")
	}
	if a.v.IsSet("protocol.threshold") {
		params.Threshold = a.v.GetInt("protocol.threshold")
	}
	if a.v.IsSet("protocol.lines") {
		params.Lines = a.v.GetInt("protocol.lines")
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func (a *app) policy() (escrow.Policy, error) {
	var p PolicyProfile
	if err := a.v.UnmarshalKey("policy", &p); err != nil {
		return escrow.Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	policy := p.apply(escrow.DefaultPolicy())
	return policy, policy.Validate()
}

func (a *app) custodianProfiles() ([]CustodianProfile, error) {
	var profiles []CustodianProfile
	if err := a.v.UnmarshalKey("custodians", &profiles); err != nil {
		return nil, fmt.Errorf("invalid custodians: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no custodians configured (set custodians in --config)")
	}
	return profiles, nil
}

// openNetwork dials every custodian of the profile and opens the ledger.
func (a *app) openNetwork() (*network, error) {
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}
	params, err := a.params()
	if err != nil {
		return nil, err
	}
	policy, err := a.policy()
	if err != nil {
		return nil, err
	}
	profiles, err := a.custodianProfiles()
	if err != nil {
		return nil, err
	}
	if len(profiles) != params.Total {
		return nil, fmt.Errorf("profile lists %d custodians, protocol.total is %d", len(profiles), params.Total)
	}

	n := &network{params: params, policy: policy, logger: logger}
	for _, p := range profiles {
		c, err := client.New(&client.Config{
			ID:                    p.ID,
			Address:               p.Address,
			PublicKey:             p.PublicKey,
			TLSEnabled:            p.TLSEnabled,
			TLSInsecureSkipVerify: p.TLSInsecureSkipVerify,
			TLSCAFile:             p.TLSCAFile,
			TLSCertFile:           p.TLSCertFile,
			TLSKeyFile:            p.TLSKeyFile,
			Timeout:               p.Timeout,
			Headers:               p.Headers,
			Logger:                logger,
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		n.clients = append(n.clients, c)
		n.custodians = append(n.custodians, c)
	}

	ledger, err := a.openLedger()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.ledger = ledger
	a.printVerbose("%d custodians, threshold %d, ledger %s", params.Total, params.Threshold, a.v.GetString("ledger_dir"))
	return n, nil
}

func (a *app) openLedger() (*escrow.StorageLedger, error) {
	backend, err := file.New(a.v.GetString("ledger_dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return escrow.NewStorageLedger(backend)
}
