package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core/ratelimit"
	errwrap "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/output"
)

var (
	simulateKey     string
	simulateCalls   int
	simulateSpacing time.Duration
	simulateBackend bool
)

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect the keyed token-bucket limiter",
}

var rateLimitSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a burst of calls through the configured limiter",
	Long: `Replay --calls consumptions of one key, spaced --every apart, through a
limiter built from the rate_limit settings (or backend.rate_limit with
--backend). Refills happen on the configured interval as simulated time
passes; nothing sleeps.`,
	Example: `  flagwire ratelimit simulate --calls 12 --every 2s
  flagwire ratelimit simulate --backend --calls 30 --every 100ms --output-format markdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateSimulateFlags(cmd.Context(), simulateCalls, simulateSpacing); err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		settings := cfg.RateLimit
		if simulateBackend {
			settings = cfg.Backend.RateLimit
		}

		sim := simulateRateLimit(settings, simulateKey, simulateCalls, simulateSpacing)
		return writeOutput(cmd, "ratelimit.simulate", func(f output.Formatter) (string, error) {
			return f.FormatSimulation(sim)
		})
	},
}

func validateSimulateFlags(ctx context.Context, calls int, spacing time.Duration) error {
	if calls <= 0 {
		return errwrap.WrapInvalidInput(ctx, nil, "--calls must be positive")
	}
	if spacing < 0 {
		return errwrap.WrapInvalidInput(ctx, nil, "--every must not be negative")
	}
	return nil
}

// simulateRateLimit runs calls consumptions of key, spacing apart, and
// refills every cfg.RefillInterval of simulated time. The limiter is driven
// directly so the result does not depend on goroutine scheduling.
func simulateRateLimit(cfg config.RateLimitConfig, key string, calls int, spacing time.Duration) *output.Simulation {
	limiter := ratelimit.New(ratelimit.Options{
		Name:       "simulation",
		BucketSize: cfg.BucketSize,
		RefillRate: cfg.RefillRate,
	})
	defer limiter.Close()

	interval := min(max(cfg.RefillInterval, 0), ratelimit.MaxRefillInterval)
	sim := &output.Simulation{
		Key:            key,
		BucketSize:     limiter.BucketSize(),
		RefillRate:     limiter.RefillRate(),
		RefillInterval: interval,
	}

	var (
		elapsed    time.Duration
		nextRefill = interval
		index      int
	)
	for call := 0; call < calls; call++ {
		if call > 0 {
			elapsed += spacing
		}
		for interval > 0 && nextRefill <= elapsed {
			if limiter.Tracked() == 0 {
				// every bucket is full; later ticks until elapsed are no-ops
				nextRefill += ((elapsed-nextRefill)/interval + 1) * interval
				break
			}
			limiter.Refill()
			index++
			sim.Steps = append(sim.Steps, output.SimulationStep{
				Index:   index,
				Action:  output.ActionRefill,
				Elapsed: nextRefill,
				Tokens:  limiter.Tokens(key),
			})
			nextRefill += interval
		}

		limited := limiter.ConsumeRateLimit(key)
		index++
		sim.Steps = append(sim.Steps, output.SimulationStep{
			Index:   index,
			Action:  output.ActionConsume,
			Elapsed: elapsed,
			Limited: limited,
			Tokens:  limiter.Tokens(key),
		})
	}
	return sim
}

func init() {
	rateLimitSimulateCmd.Flags().StringVar(&simulateKey, "key", "missing-flag", "bucket key to consume")
	rateLimitSimulateCmd.Flags().IntVar(&simulateCalls, "calls", 12, "number of calls to replay")
	rateLimitSimulateCmd.Flags().DurationVar(&simulateSpacing, "every", time.Second, "simulated time between calls")
	rateLimitSimulateCmd.Flags().BoolVar(&simulateBackend, "backend", false, "use backend.rate_limit instead of rate_limit")
	addOutputFlags(rateLimitSimulateCmd)

	rateLimitCmd.AddCommand(rateLimitSimulateCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
