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

// Package metrics provides Prometheus instrumentation for go-keyescrow.
// It covers the owner and buyer protocol phases, per-custodian send and
// release outcomes, the custodian share store and the HTTP surface.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all go-keyescrow metrics
	Namespace = "keyescrow"

	// Label names
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelPhase      = "phase"
	LabelOutcome    = "outcome"
	LabelCustodian  = "custodian"
	LabelProtocol   = "protocol"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpSplit       = "split"
	OpCombine     = "combine"
	OpEncrypt     = "encrypt"
	OpDecrypt     = "decrypt"
	OpCommit      = "commit"
	OpStoreShare  = "store_share"
	OpRelease     = "release"
	OpHealthCheck = "health_check"

	// Phase names
	PhaseDistribute = "distribute"
	PhaseRelease    = "release"

	// Outcomes of a phase or a single custodian call
	OutcomeSuccess         = "success"
	OutcomeThresholdNotMet = "threshold_not_met"
	OutcomeInconsistent    = "inconsistent"
	OutcomeAuthFailure     = "authentication_failure"
	OutcomeAborted         = "aborted"
	OutcomeReleased        = "released"
	OutcomeRefused         = "refused"
	OutcomeTimeout         = "timeout"
	OutcomeNotFound        = "not_found"
	OutcomeConflict        = "conflict"
	OutcomeError           = "error"
)

var (
	// OperationsTotal tracks protocol operations by type and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of escrow operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks the duration of protocol operations in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of escrow operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation},
	)

	// PhaseOutcomesTotal tracks how distribution and release phases end.
	PhaseOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "phase_outcomes_total",
			Help:      "Outcomes of distribution and release phases",
		},
		[]string{LabelPhase, LabelOutcome},
	)

	// CustodianCallsTotal tracks individual share sends and release
	// requests per custodian.
	CustodianCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "custodian_calls_total",
			Help:      "Share sends and release requests by custodian and outcome",
		},
		[]string{LabelPhase, LabelCustodian, LabelOutcome},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "circuit_breaker_state",
			Help:      "Custodian circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{LabelCustodian},
	)

	// SharesStored tracks the number of shares held by this custodian.
	SharesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "custodian",
			Name:      "shares_stored",
			Help:      "Number of shares held by this custodian",
		},
	)

	// CustodianRequestsTotal tracks store and release requests served by this custodian.
	CustodianRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "custodian",
			Name:      "requests_total",
			Help:      "Store and release requests served by this custodian",
		},
		[]string{LabelOperation, LabelOutcome},
	)

	// ActiveConnections tracks the number of in-flight requests by protocol.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Goroutines tracks the current number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records an operation with its duration in seconds.
//
// Example:
//
//	start := time.Now()
//	shares, err := shamir.Split(secret, 7, 10)
//	metrics.RecordOperation(metrics.OpSplit, metrics.StatusFor(err), time.Since(start).Seconds())
func RecordOperation(operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordPhase records how a distribution or release phase ended.
func RecordPhase(phase, outcome string) {
	if !enabled.Load() {
		return
	}
	PhaseOutcomesTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordCustodianCall records the outcome of one send or release request.
func RecordCustodianCall(phase, custodian, outcome string) {
	if !enabled.Load() {
		return
	}
	CustodianCallsTotal.WithLabelValues(phase, custodian, outcome).Inc()
}

// SetCircuitBreakerState records a custodian breaker transition.
func SetCircuitBreakerState(custodian string, state int) {
	if !enabled.Load() {
		return
	}
	CircuitBreakerState.WithLabelValues(custodian).Set(float64(state))
}

// SetSharesStored records the custodian share count.
func SetSharesStored(n int) {
	if !enabled.Load() {
		return
	}
	SharesStored.Set(float64(n))
}

// RecordCustodianRequest records a store or release request served by a custodian.
func RecordCustodianRequest(operation, outcome string) {
	if !enabled.Load() {
		return
	}
	CustodianRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPRequest records an HTTP request with its method, status code, and duration.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// IncrementActiveConnections increments the active connection count for a protocol.
func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// DecrementActiveConnections decrements the active connection count for a protocol.
func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// StatusFor maps an error to StatusSuccess or StatusError.
func StatusFor(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection. Recording calls become no-ops.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is enabled.
func IsEnabled() bool {
	return enabled.Load()
}
