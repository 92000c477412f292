package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway.
// This is the primary command for running Switchyard in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchyard gateway",
		Long: `Start the Switchyard gateway with all configured providers.

The gateway will:
1. Load configuration from the specified file (or switchyard.yaml)
2. Initialize provider adapters (Anthropic, OpenAI, Gemini, Ollama)
3. Start the subprocess session pool for CLI-backed providers
4. Start the stats, budget, and archive subsystems
5. Serve the HTTP API for dispatch, embeddings, health, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchyard serve

  # Start with custom config and listen address
  switchyard serve --config /etc/switchyard/production.yaml --listen :9090

  # Start with debug logging
  switchyard serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), listenAddr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (default: $SWITCHYARD_CONFIG or switchyard.yaml)")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080",
		"HTTP listen address for the API, health, and metrics endpoints")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (overrides telemetry.logging.level)")

	return cmd
}
