package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core/ratelimit"
	"github.com/flagwire/flagwire/internal/core/scheduler"
	"github.com/flagwire/flagwire/internal/core/store"
	errwrap "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/metrics"
	"github.com/flagwire/flagwire/internal/observability"
	"github.com/flagwire/flagwire/internal/server"
	"github.com/flagwire/flagwire/internal/server/handlers"
)

const uptimeInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
	serveNoDB  bool
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// timedChecker records the duration and outcome of every check it wraps.
type timedChecker struct {
	name    string
	checker handlers.HealthChecker
}

func (t timedChecker) CheckHealth(ctx context.Context) error {
	start := time.Now()
	err := t.checker.CheckHealth(ctx)
	metrics.RecordHealthCheck(t.name, err == nil, time.Since(start))
	return err
}

func registerChecker(hm *handlers.HealthManager, name string, checker handlers.HealthChecker) {
	hm.RegisterChecker(name, timedChecker{name: name, checker: checker})
}

// newBackendLimiter builds the per-distinct-id limiter for the flags endpoint.
func newBackendLimiter(cfg config.RateLimitConfig) *ratelimit.Limiter {
	logger := observability.ServerLogger
	return ratelimit.New(ratelimit.Options{
		Name:           "backend limiter",
		BucketSize:     cfg.BucketSize,
		RefillRate:     cfg.RefillRate,
		RefillInterval: cfg.RefillInterval,
		Logger:         logger,
		Observer: ratelimit.ObserverFunc(func(distinctID string) {
			metrics.RecordRateLimited("backend")
			logger.Warn("Throttling flag requests",
				zap.String("distinct_id", distinctID))
		}),
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development flags backend",
	Long: `Start the development flags backend with graceful shutdown support.

The backend answers POST /flags/?v=2 from the configured flags, records every
request in the request store and throttles each distinct id with a token bucket.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (log level only; restart for other settings)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, identity.BinaryName)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		flags, err := cfg.Backend.ResolveFlags()
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "backend flags invalid")
		}

		var db *store.Store
		if !serveNoDB {
			db, err = openStore(cmd.Context(), cfg)
			if err != nil {
				return errwrap.WrapDatabaseError(cmd.Context(), err, "open request store")
			}
		}

		limiter := newBackendLimiter(cfg.Backend.RateLimit)
		backendOpts := handlers.FlagsBackendOptions{
			Flags:   flags,
			Limiter: limiter,
			Logger:  logger,
		}
		if db != nil {
			backendOpts.Store = db
		}
		backend := handlers.NewFlagsBackend(backendOpts)

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Int("flags", len(flags)),
			zap.Bool("recording", db != nil))

		var health *handlers.HealthManager
		if cfg.Health.Enabled {
			health = handlers.NewHealthManager(versionInfo.Version, nil)
			health.RegisterDetails("backend", backend)
			if cfg.Metrics.Enabled {
				registerChecker(health, "telemetry", telemetryHealthChecker{})
			}
			if db != nil {
				registerChecker(health, "store", db)
			}
		}

		build := handlers.BuildInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}
		srv := server.New(cfg.Server, backend, health, server.WithVersionInfo(build, identity))

		startedAt := time.Now()
		metrics.SetServerStartTime(startedAt.Unix())
		uptime := scheduler.New(nil).Every(uptimeInterval, func() {
			metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: the HTTP server stops first, the logger
		// flushes last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			uptime.Stop()
			limiter.Close()

			err := srv.Shutdown(shutdownCtx)
			if db != nil {
				err = multierr.Append(err, db.Close())
			}
			if err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			if err := viper.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			reloaded, err := loadConfig(ctx)
			if err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if level := observability.ParseLogLevel(reloaded.Logging.Level); level != observability.ParseLogLevel(cfg.Logging.Level) {
				observability.InitServerLogger(identity.BinaryName, reloaded.Logging.Level, identity.BinaryName)
				logger = observability.ServerLogger
				logger.Info("Log level changed", zap.String("level", level))
			}
			cfg = reloaded

			logger.Info("Configuration reloaded successfully",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...", zap.String("addr", srv.Addr()))
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
	serveCmd.Flags().BoolVar(&serveNoDB, "no-db", false, "serve flags without recording requests")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
