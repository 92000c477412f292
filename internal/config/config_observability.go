package config

// TelemetryConfig configures logging and tracing.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is json or text. Default: json.
	Format string `yaml:"format"`

	// RedactPatterns adds regex patterns to the built-in redaction set.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint leaves
// tracing off.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// AuthzConfig configures the tool authorization filter.
type AuthzConfig struct {
	// Mode is dev (capability store outages pass) or prod (fail closed).
	// Default: dev.
	Mode string `yaml:"mode"`

	// Grants maps agent ids to tool names for the built-in static store.
	// The tool name "*" grants everything. An empty map leaves filtering
	// to an external store.
	Grants map[string][]string `yaml:"grants"`
}

// ArchiveConfig configures the terminal request archive.
type ArchiveConfig struct {
	// Driver is sqlite or memory. Default: memory.
	Driver string `yaml:"driver"`

	// Path is the database file; required when driver is sqlite.
	Path string `yaml:"path"`

	// RetentionDays prunes archived requests after this many days.
	// 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}
