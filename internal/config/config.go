package config

import (
	"fmt"
	"sort"
	"strings"
)

// Config is the main configuration structure for Switchyard.
type Config struct {
	Version    int                       `yaml:"version"`
	Routing    RoutingConfig             `yaml:"routing"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Pool       PoolConfig                `yaml:"pool"`
	Transport  TransportConfig           `yaml:"transport"`
	Stats      StatsConfig               `yaml:"stats"`
	Budget     BudgetConfig              `yaml:"budget"`
	Embeddings EmbeddingsConfig          `yaml:"embeddings"`
	Prompt     PromptConfig              `yaml:"prompt"`
	Authz      AuthzConfig               `yaml:"authz"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Archive    ArchiveConfig             `yaml:"archive"`
}

// Load reads, merges, and validates the configuration file at path.
// Includes are resolved, environment variables expanded, and unknown
// fields rejected before defaults are applied.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// providers configured. Useful for tests and ad-hoc embedding.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks cross-field constraints that struct decoding cannot.
func (c *Config) Validate() error {
	if c.Version != 0 {
		if err := ValidateVersion(c.Version); err != nil {
			return err
		}
	}
	if c.Routing.DefaultProvider != "" && len(c.Providers) > 0 {
		if _, ok := c.Providers[c.Routing.DefaultProvider]; !ok {
			return fmt.Errorf("routing.default_provider %q is not in providers (%s)",
				c.Routing.DefaultProvider, strings.Join(providerNames(c.Providers), ", "))
		}
	}
	switch c.Transport.PermissionMode {
	case "", "default", "accept_edits", "plan", "bypass":
	default:
		return fmt.Errorf("transport.permission_mode %q is not one of default, accept_edits, plan, bypass", c.Transport.PermissionMode)
	}
	if c.Stats.AlertThreshold < 0 || c.Stats.AlertThreshold > 1 {
		return fmt.Errorf("stats.alert_threshold %v is outside [0, 1]", c.Stats.AlertThreshold)
	}
	switch c.Authz.Mode {
	case "", "dev", "prod":
	default:
		return fmt.Errorf("authz.mode %q is not one of dev, prod", c.Authz.Mode)
	}
	switch c.Embeddings.Preferred {
	case "", "auto", "local", "cloud":
	default:
		return fmt.Errorf("embeddings.preferred %q is not one of auto, local, cloud", c.Embeddings.Preferred)
	}
	return c.validateSections()
}

func (c *Config) validateSections() error {
	for name, budget := range c.Prompt.Sections {
		if err := budget.validate(name); err != nil {
			return err
		}
	}
	switch c.Archive.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("archive.driver %q is not one of sqlite, memory", c.Archive.Driver)
	}
	if c.Archive.Driver == "sqlite" && strings.TrimSpace(c.Archive.Path) == "" {
		return fmt.Errorf("archive.path is required when archive.driver is sqlite")
	}
	return nil
}

func providerNames(providers map[string]ProviderConfig) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Routing.DefaultProvider == "" {
		cfg.Routing.DefaultProvider = "anthropic"
	}
	if cfg.Routing.RequestTimeoutMs == 0 {
		cfg.Routing.RequestTimeoutMs = 120_000
	}
	if cfg.Routing.MaxTurns == 0 {
		cfg.Routing.MaxTurns = 10
	}
	if cfg.Pool.MaxSessions == 0 {
		cfg.Pool.MaxSessions = 5
	}
	if cfg.Pool.IdleTimeoutSeconds == 0 {
		cfg.Pool.IdleTimeoutSeconds = 300
	}
	if cfg.Pool.CleanupIntervalSeconds == 0 {
		cfg.Pool.CleanupIntervalSeconds = 60
	}
	if cfg.Pool.CheckoutTimeoutMs == 0 {
		cfg.Pool.CheckoutTimeoutMs = 30_000
	}
	if cfg.Transport.PermissionMode == "" {
		cfg.Transport.PermissionMode = "default"
	}
	if cfg.Transport.ThinkingBudget == 0 {
		cfg.Transport.ThinkingBudget = 8192
	}
	if cfg.Transport.BufferLimitBytes == 0 {
		cfg.Transport.BufferLimitBytes = 50 * 1024 * 1024
	}
	if cfg.Stats.RetentionDays == 0 {
		cfg.Stats.RetentionDays = 7
	}
	if cfg.Stats.AlertThreshold == 0 {
		cfg.Stats.AlertThreshold = 0.8
	}
	if cfg.Stats.MinRequests == 0 {
		cfg.Stats.MinRequests = 5
	}
	if cfg.Embeddings.Preferred == "" {
		cfg.Embeddings.Preferred = "auto"
	}
	if cfg.Embeddings.LocalModel == "" {
		cfg.Embeddings.LocalModel = "nomic-embed-text"
	}
	if cfg.Prompt.MaxChars == 0 {
		cfg.Prompt.MaxChars = 80_000
	}
	if cfg.Authz.Mode == "" {
		cfg.Authz.Mode = "dev"
	}
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = "switchyard"
	}
	if cfg.Telemetry.Tracing.SamplingRate == 0 {
		cfg.Telemetry.Tracing.SamplingRate = 1.0
	}
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "memory"
	}
}
