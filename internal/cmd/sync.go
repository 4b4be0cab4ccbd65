package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flagwire/flagwire/internal/client"
	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core"
	errwrap "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/observability"
	"github.com/flagwire/flagwire/internal/output"
)

var (
	syncIdentify string
	syncGroups   []string
	syncProps    []string
	syncAPIHost  string
	syncToken    string
	syncTimeout  time.Duration
)

// groupArg is one parsed --group type=key flag.
type groupArg struct {
	Type string
	Key  string
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one flag sync session and print the resulting flags",
	Long: `Start a sync session against the configured backend, apply the identity
changes given on the command line and print the flags the backend returned.

Identity changes are applied before the startup request, so a run with
--identify and --group sends a single request.`,
	Example: `  flagwire sync --token phc_test --identify user-1 --prop email=a@example.com
  flagwire sync --group company=acme --group project=p1 --output-format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProperties(syncProps)
		if err != nil {
			return errwrap.WrapInvalidInput(cmd.Context(), err, "invalid --prop")
		}
		groups, err := parseGroups(syncGroups)
		if err != nil {
			return errwrap.WrapInvalidInput(cmd.Context(), err, "invalid --group")
		}

		overrides := map[string]any{}
		clientOverrides := map[string]any{}
		if host := strings.TrimSpace(syncAPIHost); host != "" {
			clientOverrides["api_host"] = host
		}
		if token := strings.TrimSpace(syncToken); token != "" {
			clientOverrides["project_token"] = token
		}
		if len(clientOverrides) > 0 {
			overrides["client"] = clientOverrides
		}

		cfg, err := loadConfig(cmd.Context(), overrides)
		if err != nil {
			return err
		}

		report, err := runSyncSession(cmd.Context(), cfg, syncSession{
			identify: strings.TrimSpace(syncIdentify),
			props:    props,
			groups:   groups,
			timeout:  syncTimeout,
		})
		if report != nil {
			if werr := writeOutput(cmd, "sync."+report.DistinctID, func(f output.Formatter) (string, error) {
				return f.FormatFlags(report)
			}); werr != nil {
				return multierr.Append(err, werr)
			}
		}
		return err
	},
}

type syncSession struct {
	identify string
	props    core.Properties
	groups   []groupArg
	timeout  time.Duration
	opts     []client.Option
}

// runSyncSession starts a client, applies the session's identity changes in
// the loaded hook and waits for every sync to finish. The report is returned
// even when a sync failed.
func runSyncSession(ctx context.Context, cfg *config.Config, s syncSession) (*output.FlagsReport, error) {
	logger := observability.CLILogger
	var hookErr error
	loaded := func(c *client.Client) {
		switch {
		case s.identify != "":
			hookErr = multierr.Append(hookErr, c.Identify(s.identify, s.props))
		case len(s.props) > 0:
			c.SetPersonPropertiesForFlags(s.props)
		}
		for _, g := range s.groups {
			hookErr = multierr.Append(hookErr, c.Group(g.Type, g.Key, nil))
		}
	}

	opts := []client.Option{
		client.WithLoaded(loaded),
		client.WithVersion(versionInfo.Version),
	}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	opts = append(opts, s.opts...)

	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, errwrap.WrapConfigInvalid(ctx, err, "client configuration invalid")
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	if hookErr != nil {
		return nil, errwrap.WrapInvalidInput(ctx, hookErr, "invalid identity change")
	}

	timeout := s.timeout
	if timeout <= 0 {
		timeout = cfg.Client.RequestTimeout + time.Second
	}
	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = multierr.Combine(c.Flush(flushCtx), c.LastSyncError())

	report := &output.FlagsReport{
		DistinctID: c.DistinctID(),
		Flags:      c.Flags(),
		Payloads:   c.Payloads(),
		Syncs:      c.SyncCount(),
	}
	if err != nil {
		report.Error = err.Error()
		if logger != nil {
			logger.Warn("Sync session finished with errors", zap.Error(err))
		}
		return report, errwrap.WrapExternalService(ctx, err, "flag sync failed")
	}
	return report, nil
}

// parseProperties parses key=value pairs. Values are read as YAML scalars,
// so "42" is a number and "true" a boolean.
func parseProperties(values []string) (core.Properties, error) {
	props := core.Properties{}
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", raw)
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		switch parsed.(type) {
		case map[string]any, []any:
			parsed = value
		}
		props[key] = parsed
	}
	return props, nil
}

// parseGroups parses type=key pairs, keeping their order.
func parseGroups(values []string) ([]groupArg, error) {
	groups := make([]groupArg, 0, len(values))
	for _, raw := range values {
		groupType, key, ok := strings.Cut(raw, "=")
		groupType, key = strings.TrimSpace(groupType), strings.TrimSpace(key)
		if !ok || groupType == "" || key == "" {
			return nil, fmt.Errorf("expected type=key, got %q", raw)
		}
		groups = append(groups, groupArg{Type: groupType, Key: key})
	}
	return groups, nil
}

func init() {
	syncCmd.Flags().StringVar(&syncIdentify, "identify", "", "distinct id to identify as")
	syncCmd.Flags().StringArrayVar(&syncGroups, "group", nil, "group membership as type=key (repeatable)")
	syncCmd.Flags().StringArrayVar(&syncProps, "prop", nil, "person property as key=value (repeatable)")
	syncCmd.Flags().StringVar(&syncAPIHost, "api-host", "", "backend base URL (overrides client.api_host)")
	syncCmd.Flags().StringVar(&syncToken, "token", "", "project token (overrides client.project_token)")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 0, "how long to wait for syncs to finish (default request timeout + 1s)")
	addOutputFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)
}
