package config

import "time"

// PoolConfig configures the session pool.
type PoolConfig struct {
	// MaxSessions caps live sessions per provider. Default: 5.
	MaxSessions int `yaml:"max_sessions"`

	// IdleTimeoutSeconds is how long a checked-in session may sit idle
	// before the reaper closes it. Default: 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// CleanupIntervalSeconds is the reaper period. Default: 60.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// CheckoutTimeoutMs bounds the spawn of a fresh session during
	// checkout. It does not queue callers: a full pool fails immediately.
	// Default: 30000.
	CheckoutTimeoutMs int `yaml:"checkout_timeout_ms"`
}

func (p PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

func (p PoolConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalSeconds) * time.Second
}

func (p PoolConfig) CheckoutTimeout() time.Duration {
	return time.Duration(p.CheckoutTimeoutMs) * time.Millisecond
}

// TransportConfig configures subprocess CLI transports.
type TransportConfig struct {
	// CLIPath is an explicit executable path. When empty the transport
	// probes SearchPaths and then $PATH.
	CLIPath string `yaml:"cli_path"`

	// SearchPaths are tried in order before falling back to $PATH.
	SearchPaths []string `yaml:"search_paths"`

	// PermissionMode is one of default, accept_edits, plan, bypass.
	PermissionMode string `yaml:"permission_mode"`

	// AllowedTools and DisallowedTools override mode-derived flags.
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`

	// ThinkingBudget is passed as --max-thinking-tokens. Default: 8192.
	ThinkingBudget int `yaml:"thinking_budget"`

	// BufferLimitBytes caps accumulated stdout between events.
	// Default: 50 MiB.
	BufferLimitBytes int `yaml:"buffer_limit_bytes"`

	// WorkDir is the subprocess working directory, when set.
	WorkDir string `yaml:"work_dir"`
}
