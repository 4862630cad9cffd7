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
// Package server assembles a custodian from configuration: storage,
// key material, release authorizer, health checks, rate limiting and the
// REST API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/jeremyhahn/go-keyescrow/internal/config"
	"github.com/jeremyhahn/go-keyescrow/internal/rest"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/aead"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/health"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/ratelimit"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/file"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/memory"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/postgres"
)

// Server is a running custodian
type Server struct {
	config *config.Config
	mu     sync.RWMutex
	logger logging.Logger

	backend storage.Backend
	keys    *x25519.KeyPair
	service *custodian.Service

	healthChecker *health.Checker
	limiter       *ratelimit.Limiter
	restServer    *rest.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	serveErr     chan error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logOutput io.Writer
	backend   storage.Backend
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithBackend uses b instead of the configured storage backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New builds every component named by cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger, err := NewLogger(cfg.Logging, o.logOutput)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		logger:     logger,
		backend:    o.backend,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		serveErr:   make(chan error, 1),
	}

	if err := s.initialize(); err != nil {
		cancel()
		s.closeBackend()
		return nil, err
	}
	return s, nil
}

func (s *Server) initialize() error {
	if s.backend == nil {
		backend, err := openBackend(s.config.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		s.backend = backend
	}
	s.logger.Info("Storage initialized", logging.String("backend", s.config.Storage.Backend))

	keys, err := loadKeys(s.config.Custodian)
	if err != nil {
		return fmt.Errorf("failed to load custodian key: %w", err)
	}
	s.keys = keys

	store, err := custodian.NewStore(&custodian.StoreConfig{
		Backend: s.backend,
		Total:   s.config.Protocol.Total,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	authz, err := s.config.Release.CreateAuthorizer()
	if err != nil {
		return fmt.Errorf("failed to create release authorizer: %w", err)
	}

	s.service, err = custodian.NewService(&custodian.ServiceConfig{
		ID:         s.config.Custodian.ID,
		Keys:       keys,
		Store:      store,
		Authorizer: authz,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	s.initializeHealth(store)
	s.initializeRateLimit()

	var tlsConfig *tls.Config
	if s.config.TLS.Enabled {
		tlsConfig, err = s.config.TLS.LoadTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load TLS configuration: %w", err)
		}
	}

	restConfig := &rest.Config{
		Addr:           s.config.Server.Addr(),
		Service:        s.service,
		Version:        Version(),
		TLSConfig:      tlsConfig,
		RateLimiter:    s.limiter,
		MetricsEnabled: s.config.Metrics.Enabled,
		MetricsPath:    s.config.Metrics.Path,
		MaxBodyBytes:   s.config.Server.MaxBodyBytes,
		Logger:         s.logger,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
	}
	if s.healthChecker != nil {
		restConfig.HealthChecker = s.healthChecker
	}
	s.restServer, err = rest.NewServer(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create REST server: %w", err)
	}

	s.logger.Info("Custodian initialized",
		logging.Custodian(s.service.ID()),
		logging.String("public_key", x25519.PublicKeyHex(keys.PublicKey)),
		logging.String("authorizer", s.config.Release.Authorizer),
		logging.Bool("aes_ni", aead.HasAESNI()))
	return nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory, "":
		return memory.New(), nil
	case config.StorageFile:
		return file.New(cfg.Path)
	case config.StoragePostgres:
		pg := cfg.Postgres
		return postgres.New(&postgres.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			QueryTimeout:    pg.QueryTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// loadKeys reads the custodian key, creating it first when GenerateKey
// is set and the file does not exist.
func loadKeys(cfg config.CustodianConfig) (*x25519.KeyPair, error) {
	kp, err := x25519.LoadPrivateKeyFile(cfg.KeyFile)
	if err == nil {
		return kp, nil
	}
	if !cfg.GenerateKey || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err = x25519.GenerateKey()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.KeyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := x25519.WritePrivateKeyFile(cfg.KeyFile, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (s *Server) initializeHealth(store *custodian.Store) {
	if !s.config.Health.Enabled {
		return
	}
	s.healthChecker = health.NewChecker()
	s.healthChecker.SetTimeout(s.config.Health.CheckTimeout)
	s.healthChecker.RegisterCheck("shares", health.ShareCountCheck("shares", store, s.config.Health.MaxShares))
	if p, ok := s.backend.(health.Pinger); ok {
		s.healthChecker.RegisterCheck("storage", health.PingCheck("storage", p))
	}
	s.logger.Info("Health checker initialized", logging.Int("checks", len(s.healthChecker.GetAllChecks())))
}

func (s *Server) initializeRateLimit() {
	rl := s.config.RateLimit
	if !rl.Enabled {
		return
	}
	paths := make([]ratelimit.PathLimit, 0, len(rl.Paths))
	for _, p := range rl.Paths {
		paths = append(paths, ratelimit.PathLimit{Prefix: p.Prefix, RequestsPerMinute: p.RequestsPerMin, Burst: p.Burst})
	}
	exempt := []string{"/health", "/health/live", "/health/ready", "/health/startup"}
	if s.config.Metrics.Enabled {
		exempt = append(exempt, s.config.Metrics.Path)
	}
	s.limiter = ratelimit.New(&ratelimit.Config{
		Enabled:           true,
		RequestsPerMinute: rl.RequestsPerMin,
		Burst:             rl.Burst,
		PathLimits:        paths,
		ExemptPaths:       exempt,
		TrustProxyHeaders: rl.TrustProxyHeaders,
	})
}

// NewLogger builds the process logger from the logging section. A nil
// out writes to stderr.
func NewLogger(cfg config.LoggingConfig, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogAdapter(&logging.SlogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: out,
	}), nil
}

// Version reports the build version from VCS or module metadata.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves the REST API on ln in the background and starts the
// metrics collector.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.Metrics.Enabled {
		collector := metrics.NewResourceCollector(s.config.Metrics.CollectInterval, s.service.Store())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			collector.Run(s.ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.restServer.Serve(ln); err != nil {
			s.logger.Error("REST server error", logging.Error(err))
			s.serveErr <- err
		}
	}()

	if s.healthChecker != nil {
		s.healthChecker.MarkStarted()
	}
	s.logger.Info("Custodian started", logging.String("addr", ln.Addr().String()))
	return nil
}

// Run starts the server and blocks until ctx is done or serving fails,
// then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-s.serveErr:
	}
	if err := s.Shutdown(); err != nil {
		return err
	}
	return serveErr
}

// Shutdown stops accepting requests, waits up to the configured
// shutdown timeout for in-flight ones and closes storage. It is safe to
// call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down custodian...")
		if s.healthChecker != nil {
			s.healthChecker.MarkNotStarted()
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if stopErr := s.restServer.Stop(ctx); stopErr != nil {
			err = stopErr
		}
		s.cancel()
		if s.limiter != nil {
			s.limiter.Stop()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("Shutdown timeout exceeded, forcing stop")
		}

		s.closeBackend()
		close(s.shutdownCh)
		s.logger.Info("Custodian shutdown complete")
	})
	return err
}

func (s *Server) closeBackend() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("Error closing storage", logging.Error(err))
	}
}

// WaitForShutdown blocks until Shutdown completes.
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// Service returns the custodian being served.
func (s *Server) Service() *custodian.Service {
	return s.service
}

// PublicKey returns the hex custodian public key owners seal to.
func (s *Server) PublicKey() string {
	return x25519.PublicKeyHex(s.keys.PublicKey)
}

// RESTServer returns the REST server instance
func (s *Server) RESTServer() *rest.Server {
	return s.restServer
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ReloadSignal delivers SIGHUP.
func ReloadSignal() <-chan os.Signal {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	return hup
}
