// Package server assembles the HTTP surface: job intake and status,
// health probes and version, behind the standard middleware chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/fanout-labs/fanoutd/internal/errors"
	"github.com/fanout-labs/fanoutd/internal/server/handlers"
	"github.com/fanout-labs/fanoutd/internal/server/middleware"
)

// Server is the fanoutd HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	httpServer *http.Server

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	healthEnabled bool
	pprofEnabled  bool
}

// Option configures a Server.
type Option func(*Server)

// WithJobsHandler mounts the intake and status endpoints.
func WithJobsHandler(h *handlers.JobsHandler) Option {
	return func(s *Server) {
		s.router.Post("/jobs", h.Intake)
		s.router.Get("/status/{job_id}", h.Status)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTimeouts overrides the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithHealthEnabled controls whether the health probe routes are
// mounted. They are on by default.
func WithHealthEnabled(enabled bool) Option {
	return func(s *Server) { s.healthEnabled = enabled }
}

// WithPprof mounts the profiler under /debug (development only).
func WithPprof() Option {
	return func(s *Server) { s.pprofEnabled = true }
}

// New creates a Server listening on host:port. Port 0 lets the OS pick.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:          host,
		port:          port,
		router:        chi.NewRouter(),
		logger:        zap.NewNop(),
		readTimeout:   30 * time.Second,
		writeTimeout:  30 * time.Second,
		idleTimeout:   120 * time.Second,
		healthEnabled: true,
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)

	s.router.NotFound(apperrors.NotFoundHandler)
	s.router.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	s.router.Get("/version", handlers.VersionHandler)

	for _, opt := range opts {
		opt(s)
	}

	// Probe and debug routes mount after options so the toggles apply.
	if s.healthEnabled {
		s.router.Get("/health", handlers.HealthHandler)
		s.router.Get("/health/live", handlers.LivenessHandler)
		s.router.Get("/health/ready", handlers.ReadinessHandler)
		s.router.Get("/health/startup", handlers.StartupHandler)
	}
	if s.pprofEnabled {
		s.router.Mount("/debug", chimiddleware.Profiler())
	}
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the root handler; tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until the context is cancelled or Serve
// fails. It blocks.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
