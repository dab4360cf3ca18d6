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

// Package rest serves the read-only status API. It exposes health
// probes, the status report, and Prometheus metrics over HTTP. Key
// lifecycle mutations are not exposed here; they stay on the CLI.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-keylifecycle/pkg/health"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metrics"
	"github.com/jeremyhahn/go-keylifecycle/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the status API server.
type Server struct {
	server   *http.Server
	handlers *HandlerContext
	limiter  *ratelimit.Limiter
	host     string
	port     int
	logger   *logging.Logger
}

// Config holds the status server configuration.
type Config struct {
	// Host is the address to bind (default: 127.0.0.1)
	Host string

	// Port is the HTTP port to listen on (default: 8443)
	Port int

	// Version is the version string reported by /health
	Version string

	// Status produces the report served by GET /status
	Status StatusFunc

	// Checker runs the probes behind /health/live and /health/ready (optional)
	Checker *health.Checker

	// RateLimit configures per-client request throttling (optional)
	RateLimit *ratelimit.Config

	// Logger is the application logger (optional, defaults to logging.Default)
	Logger *logging.Logger

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration
}

// NewServer creates a new status server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	// Set defaults
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8443
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	server := &Server{
		handlers: NewHandlerContext(cfg.Version, cfg.Checker, cfg.Status),
		limiter:  ratelimit.New(cfg.RateLimit),
		host:     cfg.Host,
		port:     cfg.Port,
		logger:   log.WithComponent("rest"),
	}

	router := server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware()) // Add correlation ID before logging
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	// Health probes are never throttled so orchestrators are not locked out.
	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)

	// Report endpoints with rate limiting
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.limiter))

		r.Get("/status", s.handlers.StatusHandler)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})

	return r
}

// Start starts the status server and blocks until it shuts down.
func (s *Server) Start() error {
	s.logger.Info("starting status server",
		"addr", s.server.Addr,
		"rate_limit", s.limiter.IsEnabled())

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	return nil
}

// Stop gracefully stops the status server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down status server")

	defer s.limiter.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}

	s.logger.Info("status server stopped")
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
