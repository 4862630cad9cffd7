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
package health

import (
	"context"
	"fmt"
)

// Pinger is implemented by storage backends that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports how many shares a custodian holds.
type Counter interface {
	Count() (int, error)
}

// PingCheck reports unhealthy when p.Ping fails.
func PingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Name: name, Status: StatusUnhealthy, Message: "storage unreachable", Error: err.Error()}
		}
		return CheckResult{Name: name, Status: StatusHealthy, Message: "storage reachable"}
	}
}

// ShareCountCheck reports unhealthy when the share store cannot be read
// and degraded when it holds more than limit shares. A non-positive limit
// disables the capacity warning.
func ShareCountCheck(name string, c Counter, limit int) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := ctx.Err(); err != nil {
			return CheckResult{Name: name, Status: StatusUnhealthy, Error: err.Error()}
		}
		n, err := c.Count()
		if err != nil {
			return CheckResult{Name: name, Status: StatusUnhealthy, Message: "share store unreadable", Error: err.Error()}
		}
		msg := fmt.Sprintf("%d shares stored", n)
		if limit > 0 && n > limit {
			return CheckResult{Name: name, Status: StatusDegraded, Message: msg}
		}
		return CheckResult{Name: name, Status: StatusHealthy, Message: msg}
	}
}
