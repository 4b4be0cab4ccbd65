package config

import (
	"time"
)

// Config represents the complete application configuration.
// Values are layered: built-in defaults, the user config file, then
// FLAGWIRE_* environment variables and runtime overrides.
type Config struct {
	Client             ClientConfig    `mapstructure:"client" yaml:"client"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	ExceptionRateLimit RateLimitConfig `mapstructure:"exception_rate_limit" yaml:"exception_rate_limit"`
	Server             ServerConfig    `mapstructure:"server" yaml:"server"`
	Store              StoreConfig     `mapstructure:"store" yaml:"store"`
	Backend            BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Logging            LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics            MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health             HealthConfig    `mapstructure:"health" yaml:"health"`
}

// ClientConfig configures a flag sync session.
type ClientConfig struct {
	// APIHost is the backend base URL; requests go to {api_host}/flags/?v=2.
	APIHost      string `mapstructure:"api_host" yaml:"api_host"`
	ProjectToken string `mapstructure:"project_token" yaml:"project_token"`

	// BootstrapDistinctID replaces the generated anonymous id.
	BootstrapDistinctID string `mapstructure:"bootstrap_distinct_id" yaml:"bootstrap_distinct_id"`

	// InitialProperties are merged into person properties once the person
	// is identified, usually $initial_* attribution values.
	InitialProperties map[string]any `mapstructure:"initial_properties" yaml:"initial_properties"`

	Debounce             time.Duration `mapstructure:"debounce" yaml:"debounce"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRequestsPerSecond float64       `mapstructure:"max_requests_per_second" yaml:"max_requests_per_second"`
}

// RateLimitConfig configures a keyed token bucket. Out-of-range values are
// clamped when the limiter is built.
type RateLimitConfig struct {
	BucketSize     int           `mapstructure:"bucket_size" yaml:"bucket_size"`
	RefillRate     int           `mapstructure:"refill_rate" yaml:"refill_rate"`
	RefillInterval time.Duration `mapstructure:"refill_interval" yaml:"refill_interval"`
}

// ServerConfig contains HTTP server configuration for the development backend.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// BackendConfig configures the development flags backend served by
// `flagwire serve`.
type BackendConfig struct {
	// Flags maps flag keys to their value: true/false or a variant string.
	Flags map[string]any `mapstructure:"flags" yaml:"flags"`
	// FlagsFile is an optional YAML file of flags, merged over Flags.
	FlagsFile string `mapstructure:"flags_file" yaml:"flags_file"`
	// RateLimit throttles sync requests per distinct id.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// LoggingConfig contains logging configuration.
// Profiles follow the gofulmen progressive logging levels:
// - SIMPLE: console output only (CLI)
// - STRUCTURED: JSON sinks with correlation ids (server)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}
