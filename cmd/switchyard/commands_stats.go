package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Stats Command
// =============================================================================

// buildStatsCmd creates the "stats" command that summarizes archived
// request traffic.
func buildStatsCmd() *cobra.Command {
	var (
		configPath string
		since      time.Duration
		providerID string
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize archived request traffic",
		Long: `Summarize the request archive: totals, failure rate, token volume, and
cost over the window, plus the most recent requests.

The gateway must run with archive.driver=sqlite for requests to outlive the
process; the in-memory archive leaves nothing for this command to read.`,
		Example: `  # Last 24 hours
  switchyard stats

  # Last week, anthropic only, 25 most recent requests
  switchyard stats --since 168h --provider anthropic --recent 25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), resolveConfigPath(configPath), since, providerID, recent)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (default: $SWITCHYARD_CONFIG or switchyard.yaml)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour,
		"Window to summarize, as a duration before now")
	cmd.Flags().StringVar(&providerID, "provider", "",
		"Limit the recent-request listing to one provider")
	cmd.Flags().IntVar(&recent, "recent", 10,
		"How many recent requests to list (0 disables the listing)")

	return cmd
}
