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
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
)

// ErrCircuitOpen is returned without contacting the custodian while its
// breaker is open.
var ErrCircuitOpen = errors.New("client: circuit breaker open")

// BreakerState is the state of a CircuitBreaker. The values match the
// circuit breaker gauge.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before letting
	// probes through. Default 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMax probes are allowed while half-open. Default 1.
	HalfOpenMax int
}

// DefaultBreakerConfig returns threshold 5, recovery 30s, one probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenMax: 1}
}

// CircuitBreaker stops calls to a custodian after repeated failures and
// probes it again after a recovery timeout. Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take
// their defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger logging.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
	metrics.SetCircuitBreakerState(name, int(BreakerClosed))
	return b
}

// State returns the current state, moving open to half-open once the
// recovery timeout passed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.setLocked(BreakerHalfOpen)
		b.probes = 0
		b.logger.Info("circuit breaker half-open", logging.Custodian(b.name))
	}
	return b.state
}

// Allow reports whether a call may proceed. Half-open admits
// HalfOpenMax probes.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probes < b.cfg.HalfOpenMax {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// Success closes the breaker.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.logger.Info("circuit breaker closed", logging.Custodian(b.name))
	}
	b.failures = 0
	b.probes = 0
	b.setLocked(BreakerClosed)
}

// Failure counts a failed call. A failed probe reopens immediately.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	switch {
	case b.state == BreakerHalfOpen:
		b.setLocked(BreakerOpen)
		b.logger.Warn("circuit breaker reopened", logging.Custodian(b.name))
	case b.state == BreakerClosed && b.failures >= b.cfg.FailureThreshold:
		b.setLocked(BreakerOpen)
		b.logger.Warn("circuit breaker opened",
			logging.Custodian(b.name), logging.Int("failures", b.failures))
	}
}

// Reset closes the breaker and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.setLocked(BreakerClosed)
}

func (b *CircuitBreaker) setLocked(s BreakerState) {
	b.state = s
	metrics.SetCircuitBreakerState(b.name, int(s))
}
