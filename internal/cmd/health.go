package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/observability"
)

var healthSkipStore bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check: version info, configuration, backend flags and the request store.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid"))
			return
		}
		logger.Info("✅ Configuration loaded")

		flags, err := cfg.Backend.ResolveFlags()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Backend flags invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "backend flags invalid"))
			return
		}
		logger.Info("✅ Backend flags resolved", zap.Int("flags", len(flags)))

		if !healthSkipStore {
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				ExitWithCode(logger, foundry.ExitFailure, "Request store unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "open request store"))
				return
			}
			err = db.CheckHealth(cmd.Context())
			_ = db.Close()
			if err != nil {
				ExitWithCode(logger, foundry.ExitFailure, "Request store unhealthy", errwrap.WrapDatabaseError(cmd.Context(), err, "ping request store"))
				return
			}
			logger.Info("✅ Request store reachable", zap.String("driver", cfg.Store.Driver))
		}

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthSkipStore, "skip-store", false, "skip the request store check")
	rootCmd.AddCommand(healthCmd)
}
