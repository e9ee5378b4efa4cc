package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Engine.MaxWorkers < 1 {
		return fmt.Errorf("engine.max_workers must be >= 1, got %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Engine.MaxWorkers > 1000 {
		return fmt.Errorf("engine.max_workers must be <= 1000, got %d", cfg.Engine.MaxWorkers)
	}

	if cfg.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url is required")
	}
	if _, err := url.Parse(cfg.Transport.BaseURL); err != nil {
		return fmt.Errorf("invalid transport.base_url: %w", err)
	}
	if cfg.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be > 0")
	}
	if cfg.Transport.RateLimitRPS < 0 {
		return fmt.Errorf("transport.rate_limit_rps must be >= 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}
