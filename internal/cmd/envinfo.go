package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		logger := observability.CLILogger

		logger.Info("=== Flagwire Environment Information ===")
		logger.Info("")

		identity := GetAppIdentity()
		logger.Info("Application:")
		logger.Info("  Name:       " + identity.BinaryName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}

		logger.Info("Client:")
		logger.Info("  API Host:        "+cfg.Client.APIHost, zap.String("api_host", cfg.Client.APIHost))
		logger.Info(fmt.Sprintf("  Project Token:   %s", setOrUnset(cfg.Client.ProjectToken)))
		logger.Info("  Debounce:        " + cfg.Client.Debounce.String())
		logger.Info("  Request Timeout: " + cfg.Client.RequestTimeout.String())
		logger.Info(fmt.Sprintf("  Miss Limiter:    bucket=%d refill=%d every %s",
			cfg.RateLimit.BucketSize, cfg.RateLimit.RefillRate, cfg.RateLimit.RefillInterval))
		logger.Info(fmt.Sprintf("  Exception Limiter: bucket=%d refill=%d every %s",
			cfg.ExceptionRateLimit.BucketSize, cfg.ExceptionRateLimit.RefillRate, cfg.ExceptionRateLimit.RefillInterval))
		logger.Info("")

		logger.Info("Backend:")
		logger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		logger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		logger.Info(fmt.Sprintf("  Flags:          %d configured", len(cfg.Backend.Flags)))
		if strings.TrimSpace(cfg.Backend.FlagsFile) != "" {
			logger.Info("  Flags File:     " + cfg.Backend.FlagsFile)
		}
		logger.Info(fmt.Sprintf("  Throttle:       bucket=%d refill=%d every %s",
			cfg.Backend.RateLimit.BucketSize, cfg.Backend.RateLimit.RefillRate, cfg.Backend.RateLimit.RefillInterval))
		logger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			logger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			logger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		logger.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		logger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		logger.Info("")

		logger.Info("=== End Environment Information ===")
	},
}

func setOrUnset(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
