// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-keylifecycle/pkg/health"
)

// StatusFunc produces the report served by GET /status. The CLI wires
// this to the same collector backing the status command, so both
// surfaces report identical state.
type StatusFunc func(ctx context.Context) (any, error)

// HandlerContext holds the dependencies shared by the route handlers.
type HandlerContext struct {
	// Version is the version string reported by /health
	Version string
	// Checker runs health check probes
	Checker *health.Checker
	// Status produces the status report
	Status StatusFunc
}

// NewHandlerContext creates a new handler context.
func NewHandlerContext(version string, checker *health.Checker, status StatusFunc) *HandlerContext {
	return &HandlerContext{
		Version: version,
		Checker: checker,
		Status:  status,
	}
}

// HealthResponse is the payload for the plain /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime,omitempty"`
}

// HealthCheckResponse represents the response for health probe endpoints.
type HealthCheckResponse struct {
	// Status is the overall health status
	Status health.Status `json:"status"`
	// Message provides additional context
	Message string `json:"message,omitempty"`
	// Checks contains individual check results (for readiness)
	Checks []health.CheckResult `json:"checks,omitempty"`
}

// HealthHandler handles GET and HEAD /health requests.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.Version,
	}
	if h.Checker != nil {
		resp.Uptime = h.Checker.Uptime().Round(time.Second).String()
	}
	writeJSON(w, resp, http.StatusOK)
}

// LivenessHandler handles GET /health/live requests.
//
// Liveness probes determine if the service is alive and should be restarted.
// This endpoint should ONLY fail if the service is in an unrecoverable state.
func (h *HandlerContext) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		// If no health checker configured, assume healthy
		resp := HealthCheckResponse{
			Status:  health.StatusHealthy,
			Message: "Service is alive",
		}
		writeJSON(w, resp, http.StatusOK)
		return
	}

	result := h.Checker.Live(r.Context())

	resp := HealthCheckResponse{
		Status:  result.Status,
		Message: result.Message,
	}

	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, resp, statusCode)
}

// ReadinessHandler handles GET /health/ready requests.
//
// Readiness probes determine if the service can serve status reports.
// The endpoint fails if a registered dependency check fails, e.g. the
// keystore root disappearing or the metadata store losing connectivity.
func (h *HandlerContext) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		// If no health checker configured, assume ready
		resp := HealthCheckResponse{
			Status:  health.StatusHealthy,
			Message: "Service is ready",
		}
		writeJSON(w, resp, http.StatusOK)
		return
	}

	results := h.Checker.Ready(r.Context())
	overallStatus := health.AggregateStatus(results)

	resp := HealthCheckResponse{
		Status: overallStatus,
		Checks: results,
	}

	switch overallStatus {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
	}

	// Degraded still serves traffic; only unhealthy returns 503.
	statusCode := http.StatusOK
	if overallStatus == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, resp, statusCode)
}

// StatusHandler handles GET /status requests.
func (h *HandlerContext) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		writeErrorWithMessage(w, ErrStatusUnavailable, "No status source configured", http.StatusNotImplemented)
		return
	}

	report, err := h.Status(r.Context())
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, report, http.StatusOK)
}
