package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for dpsfetch.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"    yaml:"engine"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// EngineConfig controls the fetch engine proper.
type EngineConfig struct {
	MaxWorkers       int  `mapstructure:"max_workers"       yaml:"max_workers"`
	IgnoreUnknownIDs bool `mapstructure:"ignore_unknown_ids" yaml:"ignore_unknown_ids"`
}

// TransportConfig controls the remote /timeseries/data/list client.
type TransportConfig struct {
	BaseURL         string        `mapstructure:"base_url"          yaml:"base_url"`
	Token           string        `mapstructure:"token"             yaml:"token"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"    yaml:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"  yaml:"rate_limit_burst"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxWorkers:       10,
			IgnoreUnknownIDs: false,
		},
		Transport: TransportConfig{
			RequestTimeout:  30 * time.Second,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
