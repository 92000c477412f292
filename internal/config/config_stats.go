package config

// StatsConfig configures usage statistics tracking.
type StatsConfig struct {
	// RetentionDays is how long per-model entries are kept. Default: 7.
	RetentionDays int `yaml:"retention_days"`

	// AlertThreshold is the success-rate floor below which a reliability
	// alert fires. Default: 0.8.
	AlertThreshold float64 `yaml:"alert_threshold"`

	// MinRequests is the sample size required before alerting. Default: 5.
	MinRequests int `yaml:"min_requests"`

	// PersistPath is the JSON snapshot file. Empty disables persistence.
	PersistPath string `yaml:"persist_path"`

	// SummarySchedule is a cron expression for the daily summary.
	// Empty means local midnight.
	SummarySchedule string `yaml:"summary_schedule"`
}

// BudgetConfig configures daily spend limits.
type BudgetConfig struct {
	// DailyLimitUSD is the global cap; 0 disables enforcement.
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`

	// ProviderLimitsUSD caps spend for the named providers. Enforced
	// alongside the global cap, not instead of it.
	ProviderLimitsUSD map[string]float64 `yaml:"provider_limits_usd"`

	// Prices maps "provider:model" to per-million-token USD prices, used
	// when an adapter does not report cost itself.
	Prices map[string]ModelPrice `yaml:"prices"`
}

// ModelPrice is a per-million-token price pair.
type ModelPrice struct {
	InputUSD  float64 `yaml:"input_usd"`
	OutputUSD float64 `yaml:"output_usd"`
}
