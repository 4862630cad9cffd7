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
package rest

import (
	"net/http"

	"github.com/jeremyhahn/go-keyescrow/pkg/health"
)

// HealthCheckResponse represents the response for health check endpoints.
type HealthCheckResponse struct {
	Status    health.Status        `json:"status"`
	Version   string               `json:"version,omitempty"`
	Custodian string               `json:"custodian,omitempty"`
	Message   string               `json:"message,omitempty"`
	Checks    map[string]string    `json:"checks,omitempty"`
	Results   []health.CheckResult `json:"results,omitempty"`
}

func probeStatus(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// HealthHandler handles GET /health: readiness plus identity.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.readiness(r)
	resp.Version = h.Version
	if h.Service != nil {
		resp.Custodian = h.Service.ID()
	}
	writeJSON(w, resp, probeStatus(resp.Status))
}

// LivenessHandler handles GET /health/live requests. It only fails when
// the process needs a restart.
func (h *HandlerContext) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.HealthChecker == nil {
		writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is alive"}, http.StatusOK)
		return
	}
	result := h.HealthChecker.Live(r.Context())
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, probeStatus(result.Status))
}

// ReadinessHandler handles GET /health/ready requests. A degraded
// custodian keeps serving traffic.
func (h *HandlerContext) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.readiness(r)
	resp.Version = h.Version
	writeJSON(w, resp, probeStatus(resp.Status))
}

func (h *HandlerContext) readiness(r *http.Request) HealthCheckResponse {
	if h.HealthChecker == nil {
		return HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is ready"}
	}

	results := h.HealthChecker.Ready(r.Context())
	resp := HealthCheckResponse{
		Status:  health.AggregateStatus(results),
		Checks:  make(map[string]string, len(results)),
		Results: results,
	}
	for _, res := range results {
		resp.Checks[res.Name] = string(res.Status)
	}
	switch resp.Status {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
	}
	return resp
}

// StartupHandler handles GET /health/startup requests.
func (h *HandlerContext) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if h.HealthChecker == nil {
		writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service has started"}, http.StatusOK)
		return
	}
	result := h.HealthChecker.Startup(r.Context())
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, probeStatus(result.Status))
}
