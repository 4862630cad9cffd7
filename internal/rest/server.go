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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/ratelimit"
)

// DefaultMaxBodyBytes bounds request bodies when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Server represents the custodian REST API server.
type Server struct {
	server    *http.Server
	handlers  *HandlerContext
	router    http.Handler
	tlsConfig *tls.Config
	limiter   *ratelimit.Limiter
	logger    logging.Logger

	metricsEnabled bool
	metricsPath    string
	maxBodyBytes   int64
}

// Config holds the REST server configuration.
type Config struct {
	// Addr is the listen address (default ":8443").
	Addr string

	// Service is the custodian being served.
	Service *custodian.Service

	// Version is reported by /health.
	Version string

	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config

	// RateLimiter is optional; nil disables limiting.
	RateLimiter *ratelimit.Limiter

	HealthChecker HealthChecker

	// MetricsEnabled mounts promhttp at MetricsPath (default "/metrics").
	MetricsEnabled bool
	MetricsPath    string

	// MaxBodyBytes bounds request bodies (default 1 MiB).
	MaxBodyBytes int64

	Logger logging.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("custodian service is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8443"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
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

	log := logging.OrDefault(cfg.Logger)
	handlers := NewHandlerContext(cfg.Service, cfg.Version, log)
	if cfg.HealthChecker != nil {
		handlers.SetHealthChecker(cfg.HealthChecker)
	}

	s := &Server{
		handlers:       handlers,
		tlsConfig:      cfg.TLSConfig,
		limiter:        cfg.RateLimiter,
		logger:         log,
		metricsEnabled: cfg.MetricsEnabled,
		metricsPath:    cfg.MetricsPath,
		maxBodyBytes:   cfg.MaxBodyBytes,
	}
	s.router = s.setupRouter()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		TLSConfig:         cfg.TLSConfig,
	}
	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware()) // before logging so entries carry the id
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)
	r.Use(SecurityHeadersMiddleware)
	if s.limiter != nil {
		r.Use(RateLimitMiddleware(s.limiter))
	}

	r.NotFound(notFoundHandler)
	r.MethodNotAllowed(methodNotAllowedHandler)

	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)
	r.Get("/health/startup", s.handlers.StartupHandler)

	if s.metricsEnabled {
		r.Method(http.MethodGet, s.metricsPath, metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BodyLimitMiddleware(s.maxBodyBytes))

		r.Post(custodian.PathItems, s.handlers.StoreHandler)
		r.Post(custodian.PathRelease, s.handlers.ReleaseHandler)
		r.Get(custodian.PathShareInfo, s.handlers.ShareInfoHandler)
	})

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	proto := "HTTP"
	if s.tlsConfig != nil {
		proto = "HTTPS"
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.logger.Info("Starting "+proto+" server",
		logging.String("addr", ln.Addr().String()),
		logging.Custodian(s.handlers.Service.ID()))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve %s: %w", proto, err)
	}
	return nil
}

// Stop gracefully stops the REST API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server", logging.Error(err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("Server stopped")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// SetHealthChecker sets the health checker for the server.
func (s *Server) SetHealthChecker(checker HealthChecker) {
	s.handlers.SetHealthChecker(checker)
}
