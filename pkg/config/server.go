package config

import (
	"fmt"
	"net/url"
)

// ServerConfig contains HTTP server settings. PublicURL is the externally
// reachable base URL workers use to deliver result callbacks.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	PublicURL   string          `yaml:"public_url,omitempty" mapstructure:"public_url"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Callbacks RateLimitTier `yaml:"callbacks,omitempty" mapstructure:"callbacks"`
	Queries   RateLimitTier `yaml:"queries,omitempty" mapstructure:"queries"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// validate checks server-level settings.
func (s *ServerConfig) validate() error {
	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil {
			return fmt.Errorf("parsing server.public_url: %w", err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.public_url: unsupported scheme %q", u.Scheme)
		}
	}

	if s.RateLimit.Enabled {
		if s.RateLimit.Callbacks.RequestsPerMinute < 0 ||
			s.RateLimit.Queries.RequestsPerMinute < 0 {
			return fmt.Errorf("rate limit requests_per_minute cannot be negative")
		}
	}

	return nil
}
