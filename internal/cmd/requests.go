package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flagwire/flagwire/internal/core/store"
	errwrap "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/output"
)

var (
	requestsToken      string
	requestsDistinctID string
	requestsLimit      int

	requestsResetAll    bool
	requestsResetYes    bool
	requestsResetDryRun bool
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect sync requests recorded by the development backend",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sync requests in the order received",
	RunE: func(cmd *cobra.Command, args []string) error {
		if requestsLimit < 0 {
			return errwrap.WrapInvalidInput(cmd.Context(), nil, "--limit must not be negative")
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		requests, err := db.ListSyncRequests(cmd.Context(), store.SyncRequestQuery{
			Token:      strings.TrimSpace(requestsToken),
			DistinctID: strings.TrimSpace(requestsDistinctID),
			Limit:      requestsLimit,
		})
		if err != nil {
			return err
		}

		return writeOutput(cmd, "requests.list", func(f output.Formatter) (string, error) {
			return f.FormatRequests(requests)
		})
	},
}

var requestsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete recorded sync requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(requestsToken)
		if err := validateResetFlags(cmd.Context(), token, requestsResetAll, requestsResetYes, requestsResetDryRun); err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountSyncRequests(cmd.Context(), store.SyncRequestQuery{Token: token})
		if err != nil {
			return err
		}

		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		if requestsResetDryRun {
			return writeResetResult(format, cmd.OutOrStdout(), matched, 0, true)
		}

		deleted, err := db.ResetSyncRequests(cmd.Context(), token)
		if err != nil {
			return err
		}
		return writeResetResult(format, cmd.OutOrStdout(), matched, deleted, false)
	},
}

func validateResetFlags(ctx context.Context, token string, all, yes, dryRun bool) error {
	switch {
	case token == "" && !all:
		return errwrap.WrapInvalidInput(ctx, nil, "either --token or --all is required")
	case token != "" && all:
		return errwrap.WrapInvalidInput(ctx, nil, "--token and --all are mutually exclusive")
	case all && !yes && !dryRun:
		return errwrap.WrapInvalidInput(ctx, nil, "--all requires --yes (or use --dry-run)")
	}
	return nil
}

func writeResetResult(format output.Format, w io.Writer, matched, deleted int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"deleted": deleted,
		"dry_run": dryRun,
	}

	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if dryRun {
		_, err := fmt.Fprintf(w, "Would delete %d sync request(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d sync request(s)\n", deleted, matched)
	return err
}

func init() {
	requestsCmd.PersistentFlags().StringVar(&requestsToken, "token", "", "only requests for this project token")

	requestsListCmd.Flags().StringVar(&requestsDistinctID, "distinct-id", "", "only requests for this distinct id")
	requestsListCmd.Flags().IntVar(&requestsLimit, "limit", 50, "maximum number of requests (0 for all)")
	addOutputFlags(requestsListCmd)

	requestsResetCmd.Flags().BoolVar(&requestsResetAll, "all", false, "delete requests for every token")
	requestsResetCmd.Flags().BoolVar(&requestsResetYes, "yes", false, "confirm destructive reset")
	requestsResetCmd.Flags().BoolVar(&requestsResetDryRun, "dry-run", false, "show what would be deleted")
	requestsResetCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsResetCmd)
	rootCmd.AddCommand(requestsCmd)
}
