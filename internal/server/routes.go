package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/appid"
	"github.com/flagwire/flagwire/internal/observability"
	"github.com/flagwire/flagwire/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Flag sync
	s.router.Post("/flags", s.backend.FlagsHandler)
	s.router.Post("/flags/", s.backend.FlagsHandler)

	// Recorded sync requests
	s.router.Get("/requests", s.backend.ListRequestsHandler)
	s.router.Delete("/requests", s.backend.ResetRequestsHandler)

	// Health checks
	s.router.Get("/health", s.health.Handler(handlers.HealthAggregate))
	s.router.Get("/health/live", s.health.Handler(handlers.HealthLive))
	s.router.Get("/health/ready", s.health.Handler(handlers.HealthReady))
	s.router.Get("/health/startup", s.health.Handler(handlers.HealthStartup))

	s.router.Get("/version", s.version)

	// Prometheus passthrough
	s.router.Get("/metrics", MetricsHandler)

	// Admin signal endpoint (optional, requires FLAGWIRE_ADMIN_TOKEN)
	s.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	// Get admin token from environment (identity-aware)
	ctx := context.Background()
	identity, _ := appid.Get(ctx)
	envPrefix := "FLAGWIRE_"
	if identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	// Register admin endpoint
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
