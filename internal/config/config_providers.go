package config

import "time"

// RoutingConfig holds process-wide dispatch defaults. A dispatch snapshots
// these at entry and never re-reads them for the life of the request.
type RoutingConfig struct {
	DefaultProvider string `yaml:"default_provider"`

	// DefaultModel overrides the provider's own default model when set.
	DefaultModel string `yaml:"default_model"`

	// RequestTimeoutMs bounds a single dispatch end to end. Default: 120000.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// MaxTurns caps assistant turns in the tool loop. Default: 10.
	MaxTurns int `yaml:"max_turns"`
}

// RequestTimeout returns the dispatch deadline as a duration.
func (r RoutingConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutMs) * time.Millisecond
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`

	// MaxSessions overrides pool.max_sessions for this provider.
	MaxSessions int `yaml:"max_sessions"`

	// Embedding toggles embedding routing eligibility for this provider.
	Embedding bool `yaml:"embedding"`
}

// EmbeddingsConfig configures embedding provider routing.
type EmbeddingsConfig struct {
	// Preferred selects the routing policy: "local", "cloud", or "auto".
	Preferred string `yaml:"preferred"`

	// LocalModel is the model requested from local providers.
	// Default: nomic-embed-text.
	LocalModel string `yaml:"local_model"`

	// CloudModel is the model requested from cloud providers, when set.
	CloudModel string `yaml:"cloud_model"`

	// Fallbacks lists provider IDs to try, in order, after the preferred
	// partition is exhausted.
	Fallbacks []string `yaml:"fallbacks"`

	// FallbackToCloud retries cloud candidates even when the liveness
	// probe marked them down.
	FallbackToCloud bool `yaml:"fallback_to_cloud"`

	// AllowTestProvider admits the synthetic test provider into routing.
	// Never enable outside development.
	AllowTestProvider bool `yaml:"allow_test_provider"`
}
