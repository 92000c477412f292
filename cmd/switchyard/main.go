// Package main provides the CLI entry point for the Switchyard AI gateway.
//
// Switchyard routes LLM traffic through a single dispatcher: it selects a
// backend provider (Anthropic, OpenAI, Gemini, Ollama, or a pooled CLI
// subprocess), runs the agentic tool loop when tools are involved, and
// accounts for cost, reliability, and budget on every request.
//
// # Basic Usage
//
// Start the gateway:
//
//	switchyard serve --config switchyard.yaml
//
// Run the self-healing demo scenarios offline:
//
//	switchyard demo
//	switchyard demo --scenario rejected_fix
//
// Summarize archived request traffic:
//
//	switchyard stats --since 24h
//
// # Environment Variables
//
// Configuration can be provided via environment variables (the config
// loader expands ${VAR} references):
//
//   - SWITCHYARD_CONFIG: Path to configuration file (default: switchyard.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google API key for Gemini models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the Switchyard CLI.
func main() {
	// Structured logging with JSON output for production parsing. Handlers
	// rebuild this from the loaded config; this default covers everything
	// that logs before the config exists.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchyard",
		Short: "Switchyard - AI request routing and agentic execution",
		Long: `Switchyard is the single choke point for LLM traffic: provider routing,
tool-calling loops, subprocess session pooling, usage stats, and budget
enforcement behind one dispatcher.

Supported providers: Anthropic (Claude), OpenAI (GPT), OpenRouter, Gemini,
Ollama, LM Studio, and pooled CLI subprocess sessions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDemoCmd(),
		buildStatsCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the flag > environment > default precedence.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("SWITCHYARD_CONFIG"); env != "" {
		return env
	}
	return "switchyard.yaml"
}
