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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// ShareCounter reports how many shares a custodian currently holds.
type ShareCounter interface {
	Count() (int, error)
}

// ResourceCollector periodically refreshes runtime gauges, uptime and,
// when configured, the custodian share count.
type ResourceCollector struct {
	interval time.Duration
	started  time.Time
	shares   ShareCounter
}

// NewResourceCollector creates a collector. shares may be nil.
func NewResourceCollector(interval time.Duration, shares ShareCounter) *ResourceCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ResourceCollector{
		interval: interval,
		started:  time.Now(),
		shares:   shares,
	}
}

// Run collects immediately and then on every tick until ctx is done.
func (rc *ResourceCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.Collect()
		}
	}
}

// Collect performs a single collection.
func (rc *ResourceCollector) Collect() {
	if !IsEnabled() {
		return
	}

	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))

	ServerUptime.Set(time.Since(rc.started).Seconds())

	if rc.shares != nil {
		if n, err := rc.shares.Count(); err == nil {
			SetSharesStored(n)
		}
	}
}
