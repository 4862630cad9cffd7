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
package server

import (
	"fmt"

	"github.com/jeremyhahn/go-keyescrow/internal/config"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
)

// Reload applies the release section of cfg without restarting, so grant
// secrets can be rotated in place. Listener, storage, key and protocol
// changes need a restart and are only reported.
func (s *Server) Reload(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading server configuration...")

	authz, err := cfg.Release.CreateAuthorizer()
	if err != nil {
		return fmt.Errorf("failed to reload release authorizer: %w", err)
	}
	s.service.SetAuthorizer(authz)
	s.logger.Info("Release authorizer updated",
		logging.String("old", s.config.Release.Authorizer),
		logging.String("new", cfg.Release.Authorizer))

	for _, field := range restartRequired(s.config, cfg) {
		s.logger.Warn("Configuration change requires restart", logging.String("field", field))
	}

	// Only the release section is live.
	next := *s.config
	next.Release = cfg.Release
	s.config = &next

	s.logger.Info("Server configuration reloaded successfully")
	return nil
}

func restartRequired(old, cfg *config.Config) []string {
	var changed []string
	if old.Server.Addr() != cfg.Server.Addr() {
		changed = append(changed, "server")
	}
	if old.Logging != cfg.Logging {
		changed = append(changed, "logging")
	}
	if old.Storage != cfg.Storage {
		changed = append(changed, "storage")
	}
	if old.Custodian != cfg.Custodian {
		changed = append(changed, "custodian")
	}
	if old.Protocol != cfg.Protocol {
		changed = append(changed, "protocol")
	}
	if old.TLS.Enabled != cfg.TLS.Enabled || old.TLS.CertFile != cfg.TLS.CertFile || old.TLS.KeyFile != cfg.TLS.KeyFile {
		changed = append(changed, "tls")
	}
	return changed
}
