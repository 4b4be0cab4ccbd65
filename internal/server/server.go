package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/config"
	apperrors "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/observability"
	"github.com/flagwire/flagwire/internal/server/handlers"
	servermw "github.com/flagwire/flagwire/internal/server/middleware"
)

// Server is the development flags backend.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	cfg     config.ServerConfig
	backend *handlers.FlagsBackend
	health  *handlers.HealthManager
	version http.HandlerFunc
}

// Option customizes a Server.
type Option func(*Server)

// WithVersionInfo sets what GET /version reports. The default is a dev build
// with no identity.
func WithVersionInfo(build handlers.BuildInfo, identity *appidentity.Identity) Option {
	return func(s *Server) { s.version = handlers.NewVersionHandler(build, identity) }
}

// New creates the backend HTTP server. A nil backend serves no flags and
// records nothing; a nil health manager makes every health route answer 503.
func New(cfg config.ServerConfig, backend *handlers.FlagsBackend, health *handlers.HealthManager, opts ...Option) *Server {
	if backend == nil {
		backend = handlers.NewFlagsBackend(handlers.FlagsBackendOptions{})
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	// RequestID first for correlation, then metrics, then panic recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router:  r,
		cfg:     cfg,
		backend: backend,
		health:  health,
		version: handlers.NewVersionHandler(handlers.DevBuild, nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	addr := s.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  durationOr(s.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: durationOr(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(s.cfg.IdleTimeout, 120*time.Second),
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting flags backend",
			zap.String("host", s.cfg.Host),
			zap.Int("port", s.cfg.Port),
			zap.String("addr", addr))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down flags backend")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.cfg.Port
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
