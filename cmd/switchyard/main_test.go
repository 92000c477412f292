package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/toolloop"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "demo", "stats"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("SWITCHYARD_CONFIG", "/etc/switchyard/env.yaml")
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("flag should win: got %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/switchyard/env.yaml" {
		t.Errorf("env should win over default: got %q", got)
	}

	t.Setenv("SWITCHYARD_CONFIG", "")
	if got := resolveConfigPath(""); got != "switchyard.yaml" {
		t.Errorf("default path = %q, want switchyard.yaml", got)
	}
}

func TestRegisterBuiltinTools(t *testing.T) {
	reg := toolloop.NewRegistry()
	if err := registerBuiltinTools(reg); err != nil {
		t.Fatalf("registerBuiltinTools() = %v", err)
	}

	tool, ok := reg.Get("current_time")
	if !ok {
		t.Fatal("current_time not registered")
	}
	if err := reg.ValidateInput("current_time", json.RawMessage(`{"timezone":"UTC"}`)); err != nil {
		t.Fatalf("ValidateInput() = %v", err)
	}

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, out); err != nil {
		t.Errorf("handler output %q is not RFC3339: %v", out, err)
	}

	if _, err := tool.Handler(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Error("unknown timezone should error")
	}
}

func TestEmbeddingCandidates(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "sk-test", Embedding: true},
		"ollama": {Embedding: true},
		"gemini": {APIKey: "g-test"}, // not flagged for embedding
	}
	cfg.Embeddings.LocalModel = "nomic-embed-text"
	cfg.Embeddings.CloudModel = "text-embedding-3-small"
	cfg.Embeddings.Fallbacks = []string{"gemini", "ollama"}

	got := embeddingCandidates(cfg)
	if len(got) != 3 {
		t.Fatalf("candidates = %d, want 3 (%v)", len(got), got)
	}
	// Locals first, then cloud, then fallbacks without duplicates.
	if got[0].Provider != catalog.ProviderOllama || got[0].Model != "nomic-embed-text" {
		t.Errorf("first candidate = %+v, want ollama/nomic-embed-text", got[0])
	}
	if got[1].Provider != catalog.ProviderOpenAI || got[1].Model != "text-embedding-3-small" {
		t.Errorf("second candidate = %+v, want openai/text-embedding-3-small", got[1])
	}
	if got[2].Provider != catalog.ProviderGemini {
		t.Errorf("third candidate = %+v, want gemini fallback", got[2])
	}
}

func TestBudgetConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.DailyLimitUSD = 50
	cfg.Budget.ProviderLimitsUSD = map[string]float64{"openai": 10}
	cfg.Budget.Prices = map[string]config.ModelPrice{
		"openai:gpt-4o": {InputUSD: 2.5, OutputUSD: 10},
	}

	got := budgetConfig(cfg)
	if got.DailyCapUSD != 50 {
		t.Errorf("DailyCapUSD = %v, want 50", got.DailyCapUSD)
	}
	if got.ProviderCapsUSD[catalog.ProviderOpenAI] != 10 {
		t.Errorf("openai cap = %v, want 10", got.ProviderCapsUSD[catalog.ProviderOpenAI])
	}
	price := got.Prices["openai:gpt-4o"]
	if price.InputPer1M != 2.5 || price.OutputPer1M != 10 {
		t.Errorf("price = %+v, want 2.5/10", price)
	}
}

func TestPoolConfigPerProviderOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxSessions = 5
	cfg.Providers = map[string]config.ProviderConfig{
		"claude_cli": {MaxSessions: 2},
		"openai":     {APIKey: "sk-test"},
	}

	got := poolConfig(cfg)
	if got.Default.Max != 5 {
		t.Errorf("default max = %d, want 5", got.Default.Max)
	}
	if lim, ok := got.Limits[catalog.ProviderClaudeCLI]; !ok || lim.Max != 2 {
		t.Errorf("claude_cli limits = %+v, want max 2", lim)
	}
	if _, ok := got.Limits[catalog.ProviderOpenAI]; ok {
		t.Error("openai should not have an override without max_sessions")
	}
}
