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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jeremyhahn/go-keylifecycle/pkg/health"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a server for handler tests. The listener is
// never started; requests are driven through the router directly.
func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)
	require.NotNil(t, server)
	return server
}

// TestNewServer_NilConfig tests that NewServer returns error with nil config
func TestNewServer_NilConfig(t *testing.T) {
	server, err := NewServer(nil)
	assert.Nil(t, server)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

// TestNewServer_Defaults tests that NewServer sets proper defaults
func TestNewServer_Defaults(t *testing.T) {
	server := newTestServer(t, &Config{})

	assert.Equal(t, 8443, server.Port())
	assert.Equal(t, "127.0.0.1:8443", server.Addr())
}

// TestNewServer_CustomHostPort tests that custom bind settings are used
func TestNewServer_CustomHostPort(t *testing.T) {
	server := newTestServer(t, &Config{Host: "0.0.0.0", Port: 9000})

	assert.Equal(t, 9000, server.Port())
	assert.Equal(t, "0.0.0.0:9000", server.Addr())
}

// TestHealthEndpoint tests GET and HEAD /health
func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &Config{Version: "1.2.3", Checker: health.NewChecker()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Uptime)

	req = httptest.NewRequest(http.MethodHead, "/health", nil)
	w = httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestLivenessProbe tests GET /health/live without a checker
func TestLivenessProbe(t *testing.T) {
	server := newTestServer(t, &Config{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

// TestReadinessProbe_NoChecker tests GET /health/ready without a checker
func TestReadinessProbe_NoChecker(t *testing.T) {
	server := newTestServer(t, &Config{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestReadinessProbe_HealthyChecks tests readiness with passing checks
func TestReadinessProbe_HealthyChecks(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterCheck("keystore", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy, Message: "keystore accessible"}
	})

	server := newTestServer(t, &Config{Checker: checker})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "All checks passed", resp.Message)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "keystore", resp.Checks[0].Name)
}

// TestReadinessProbe_UnhealthyChecks tests readiness with a failing check
func TestReadinessProbe_UnhealthyChecks(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterCheck("metadata", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy, Error: "connection refused"}
	})

	server := newTestServer(t, &Config{Checker: checker})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, health.StatusUnhealthy, resp.Status)
	assert.Equal(t, "One or more checks failed", resp.Message)
}

// TestReadinessProbe_Degraded tests that degraded still serves traffic
func TestReadinessProbe_Degraded(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterCheck("metadata", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusDegraded, Message: "local-only records"}
	})

	server := newTestServer(t, &Config{Checker: checker})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, health.StatusDegraded, resp.Status)
	assert.Equal(t, "Service is degraded", resp.Message)
}

// TestStatusEndpoint tests GET /status with a working source
func TestStatusEndpoint(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		return map[string]int{"total_keys": 3}, nil
	}

	server := newTestServer(t, &Config{Status: status})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp["total_keys"])
}

// TestStatusEndpoint_SourceError tests GET /status when the source fails
func TestStatusEndpoint_SourceError(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		return nil, errors.New("keystore root missing")
	}

	server := newTestServer(t, &Config{Status: status})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "keystore root missing")
}

// TestStatusEndpoint_NoSource tests GET /status with no source configured
func TestStatusEndpoint_NoSource(t *testing.T) {
	server := newTestServer(t, &Config{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

// TestMetricsEndpoint tests GET /metrics
func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &Config{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

// TestRateLimit_StatusThrottled tests that report endpoints are rate
// limited while health probes stay open
func TestRateLimit_StatusThrottled(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		return map[string]int{"total_keys": 0}, nil
	}

	server := newTestServer(t, &Config{
		Status: status,
		RateLimit: &ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: 60,
			Burst:             2,
		},
	})
	defer server.limiter.Stop()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		w := httptest.NewRecorder()

		server.server.Handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health probes bypass the limiter
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w = httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRecoveryMiddleware tests that a panicking source returns 500
func TestRecoveryMiddleware(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		panic("boom")
	}

	server := newTestServer(t, &Config{Status: status})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	server.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, ErrInternalError.Error(), resp.Error)
}
