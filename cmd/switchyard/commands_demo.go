package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/switchyard-ai/switchyard/internal/demo"
)

// =============================================================================
// Demo Command
// =============================================================================

// buildDemoCmd creates the "demo" command that runs the self-healing fault
// scenarios offline. No network access or API keys are required: diagnosis
// goes through the dispatcher against the scripted test provider.
func buildDemoCmd() *cobra.Command {
	var (
		scenario  string
		timeout   time.Duration
		protected []string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the self-healing demo scenarios",
		Long: `Run the fault-injection demo: each scenario injects a fault, lets the
healing pipeline diagnose it through the dispatcher, and checks that the
pipeline reaches the expected decision.

Scenarios:
  successful_heal  queue flood drained on the first fix
  rejected_fix     fix targets a protected module and is rejected
  second_success   stubborn worker leak heals on the second attempt

The command exits non-zero when any scenario misses its expected decision.`,
		Example: `  # Run all scenarios
  switchyard demo

  # Run one scenario with the stage trail printed
  switchyard demo --scenario second_success --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), scenario, timeout, protected, verbose)
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "",
		"Run a single scenario by name (default: all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Per-scenario wait for a terminal pipeline stage")
	cmd.Flags().StringSliceVar(&protected, "protected", demo.DefaultProtected(),
		"Modules the evaluator refuses to let fixes touch")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Print the pipeline stage trail for each scenario")

	return cmd
}
