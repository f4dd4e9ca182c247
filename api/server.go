// Package api exposes the orchestrator over HTTP: query execution, test
// runs with asset overrides, trace inspection, replay and breaker state.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/telemetry"
)

// Headers
const (
	TenantHeader = "X-Tenant-ID"
	TraceHeader  = "X-Trace-ID"
)

const maxBodyBytes = 1 << 20

// Server serves the query API
type Server struct {
	orch     *orchestration.Orchestrator
	replayer *orchestration.Replayer
	logger   core.Logger
	cors     *CORSConfig
	service  string
	quietLog bool
	now      func() time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		s.logger = core.ComponentLogger(logger, "api")
	}
}

// WithCORS enables cross-origin access
func WithCORS(cfg *CORSConfig) Option {
	return func(s *Server) {
		s.cors = cfg
	}
}

// WithServiceName names the server spans
func WithServiceName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.service = name
		}
	}
}

// WithQuietRequestLog only logs failed or slow requests
func WithQuietRequestLog(quiet bool) Option {
	return func(s *Server) {
		s.quietLog = quiet
	}
}

// NewServer creates a server over orch
func NewServer(orch *orchestration.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		replayer: orchestration.NewReplayer(orch),
		logger:   &core.NoOpLogger{},
		service:  "opsquery",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.TracingMiddlewareWithConfig(s.service, &telemetry.TracingMiddlewareConfig{
		ExcludedPaths: []string{"/healthz"},
	}))
	r.Use(requestLogger(s.logger, s.quietLog, time.Second))
	r.Use(recoverer(s.logger))
	if s.cors != nil {
		r.Use(cors(s.cors))
	}

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.query)
		r.Post("/test-runs", s.testRun)
		r.Get("/traces", s.listTraces)
		r.Get("/traces/{id}", s.getTrace)
		r.Post("/traces/{id}/replay", s.replay)
		r.Get("/breakers", s.breakers)
		r.Post("/breakers/reset", s.resetBreakers)
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, cfg core.HTTPConfig) error {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return core.NewFrameworkError("api.listen", "network", err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve serves on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg core.HTTPConfig) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", map[string]interface{}{
			"operation": "serve",
			"address":   ln.Addr().String(),
		})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("API shutting down", map[string]interface{}{"operation": "serve"})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
