package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flagwire/flagwire/internal/config"
)

const redacted = "(redacted)"

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		rendered, err := renderConfig(cfg, configShowSecrets)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
		return err
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the recognised environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd.Context()); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.EnvVarNames(), "\n"))
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default config file path",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), config.DefaultConfigPath())
	},
}

// renderConfig marshals cfg to YAML, masking credentials unless showSecrets.
func renderConfig(cfg *config.Config, showSecrets bool) (string, error) {
	out := *cfg
	if !showSecrets {
		if out.Client.ProjectToken != "" {
			out.Client.ProjectToken = redacted
		}
		if out.Store.AuthToken != "" {
			out.Store.AuthToken = redacted
		}
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(data), nil
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "print tokens instead of masking them")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
