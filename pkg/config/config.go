package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8787"

	// DefaultTimeoutMinutes is the default overall run timeout.
	DefaultTimeoutMinutes = 10

	// DefaultSweepInterval is the default timeout sweeper tick.
	DefaultSweepInterval = "30s"

	// DefaultDispatchConcurrency bounds the dispatch fan-out.
	DefaultDispatchConcurrency = 8

	// DefaultDispatchTimeout is the per-request dispatch timeout.
	DefaultDispatchTimeout = "15s"

	// DefaultSQLitePath is the default database location.
	DefaultSQLitePath = "./healthoor.db"

	// LocalAddressScheme prefixes in-process worker handles.
	LocalAddressScheme = "local:"
)

// DefaultCategories are the test categories requested from workers when
// a run does not specify its own set.
var DefaultCategories = []string{"unit", "performance", "integration"}

// Config is the root configuration for healthoor. It is constructed once
// at process start, validated, and passed by reference into every
// component.
type Config struct {
	Global    GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Fleet     FleetConfig      `yaml:"fleet" mapstructure:"fleet"`
	Checks    ChecksConfig     `yaml:"checks" mapstructure:"checks"`
	Analysis  *AnalysisConfig  `yaml:"analysis,omitempty" mapstructure:"analysis"`
	Broadcast *BroadcastConfig `yaml:"broadcast,omitempty" mapstructure:"broadcast"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// FleetConfig lists the worker services eligible for health verification.
type FleetConfig struct {
	Workers []WorkerConfig `yaml:"workers" mapstructure:"workers"`
}

// WorkerConfig defines a single worker target. Address is either an
// http(s) endpoint or an in-process handle of the form "local:<name>".
type WorkerConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Type    string `yaml:"type" mapstructure:"type"`
	Address string `yaml:"address" mapstructure:"address"`
}

// ChecksConfig contains health-check run settings.
type ChecksConfig struct {
	TimeoutMinutes      int            `yaml:"timeout_minutes,omitempty" mapstructure:"timeout_minutes"`
	SweepInterval       string         `yaml:"sweep_interval,omitempty" mapstructure:"sweep_interval"`
	DispatchConcurrency int            `yaml:"dispatch_concurrency,omitempty" mapstructure:"dispatch_concurrency"`
	DispatchTimeout     string         `yaml:"dispatch_timeout,omitempty" mapstructure:"dispatch_timeout"`
	Categories          []string       `yaml:"categories,omitempty" mapstructure:"categories"`
	Schedule            ScheduleConfig `yaml:"schedule,omitempty" mapstructure:"schedule"`
}

// ScheduleConfig enables periodic cron-triggered runs.
type ScheduleConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval string `yaml:"interval,omitempty" mapstructure:"interval"`
}

// AnalysisConfig configures the external analysis collaborator.
type AnalysisConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url,omitempty" mapstructure:"url"`
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// BroadcastConfig configures the event broadcaster webhook.
type BroadcastConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL string `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`
	Secret     string `yaml:"secret,omitempty" mapstructure:"secret"`
	Timeout    string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// Load reads and parses a configuration file from the given path. Values
// can be overridden through HEALTHOOR_-prefixed environment variables
// (e.g. HEALTHOOR_SERVER_LISTEN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HEALTHOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Checks.TimeoutMinutes == 0 {
		c.Checks.TimeoutMinutes = DefaultTimeoutMinutes
	}

	if c.Checks.SweepInterval == "" {
		c.Checks.SweepInterval = DefaultSweepInterval
	}

	if c.Checks.DispatchConcurrency == 0 {
		c.Checks.DispatchConcurrency = DefaultDispatchConcurrency
	}

	if c.Checks.DispatchTimeout == "" {
		c.Checks.DispatchTimeout = DefaultDispatchTimeout
	}

	if len(c.Checks.Categories) == 0 {
		c.Checks.Categories = append([]string(nil), DefaultCategories...)
	}
}

// Validate checks the configuration for errors. An invalid or empty
// fleet is a startup-time fatal error, never silently defaulted.
func (c *Config) Validate() error {
	if len(c.Fleet.Workers) == 0 {
		return fmt.Errorf("at least one fleet worker must be configured")
	}

	seenNames := make(map[string]struct{}, len(c.Fleet.Workers))

	for i, w := range c.Fleet.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker %d: name is required", i)
		}

		if _, exists := seenNames[w.Name]; exists {
			return fmt.Errorf("worker %d: duplicate name %q", i, w.Name)
		}

		seenNames[w.Name] = struct{}{}

		if w.Type == "" {
			return fmt.Errorf("worker %q: type is required", w.Name)
		}

		if err := validateAddress(w.Address); err != nil {
			return fmt.Errorf("worker %q: %w", w.Name, err)
		}
	}

	if c.Checks.TimeoutMinutes < 1 {
		return fmt.Errorf("checks.timeout_minutes must be at least 1")
	}

	if _, err := time.ParseDuration(c.Checks.SweepInterval); err != nil {
		return fmt.Errorf("parsing checks.sweep_interval: %w", err)
	}

	if _, err := time.ParseDuration(c.Checks.DispatchTimeout); err != nil {
		return fmt.Errorf("parsing checks.dispatch_timeout: %w", err)
	}

	for _, cat := range c.Checks.Categories {
		if !isValidCategory(cat) {
			return fmt.Errorf("unknown test category %q", cat)
		}
	}

	if c.Checks.Schedule.Enabled {
		if c.Checks.Schedule.Interval == "" {
			return fmt.Errorf("checks.schedule.interval is required when schedule is enabled")
		}

		if _, err := time.ParseDuration(c.Checks.Schedule.Interval); err != nil {
			return fmt.Errorf("parsing checks.schedule.interval: %w", err)
		}
	}

	if c.Analysis != nil && c.Analysis.Enabled && c.Analysis.URL == "" {
		return fmt.Errorf("analysis.url is required when analysis is enabled")
	}

	if c.Broadcast != nil && c.Broadcast.Enabled && c.Broadcast.WebhookURL == "" {
		return fmt.Errorf("broadcast.webhook_url is required when broadcast is enabled")
	}

	return c.Server.validate()
}

// validateAddress checks that a worker address is a usable dispatch target.
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}

	if strings.HasPrefix(addr, LocalAddressScheme) {
		if addr == LocalAddressScheme {
			return fmt.Errorf("local address needs a handle name")
		}

		return nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported address scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}

	return nil
}

// validCategories is the list of supported test categories.
var validCategories = map[string]struct{}{
	"unit":        {},
	"performance": {},
	"integration": {},
}

// isValidCategory checks if the given test category is supported.
func isValidCategory(cat string) bool {
	_, ok := validCategories[cat]

	return ok
}

// RunTimeout returns the overall run timeout as a duration.
func (c *ChecksConfig) RunTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// SweepEvery returns the parsed sweeper interval.
func (c *ChecksConfig) SweepEvery() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)

	return d
}

// DispatchEvery returns the parsed per-dispatch request timeout.
func (c *ChecksConfig) DispatchEvery() time.Duration {
	d, _ := time.ParseDuration(c.DispatchTimeout)

	return d
}
