// ABOUTME: Configuration loading and parsing for dispatch-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Hub defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr         = "127.0.0.1:8420"
	DefaultDatabaseDriver   = "sqlite"
	DefaultTaskTTL          = 7 * 24 * time.Hour
	DefaultLeaseTTL         = 5 * time.Minute
	DefaultDispatchInterval = time.Second
	DefaultReapInterval     = 30 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultMinLeaseTTL      = 60 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// Config represents the complete dispatch-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Queue     QueueConfig     `yaml:"queue"`
	Migration MigrationConfig `yaml:"migration"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration. Driver is "sqlite" (pure Go)
// or "sqlite3" (cgo); a path of ":memory:" keeps everything in process.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// bearer-token checks.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// QueueConfig holds task queue timing and dispatch limits
type QueueConfig struct {
	TaskTTL          time.Duration `yaml:"-"`
	LeaseTTL         time.Duration `yaml:"-"`
	DispatchInterval time.Duration `yaml:"-"`
	ReapInterval     time.Duration `yaml:"-"`
	PingInterval     time.Duration `yaml:"-"`

	// MaxInFlight caps tasks per agent; 0 means unlimited.
	MaxInFlight int `yaml:"max_in_flight"`

	// Raw string values for YAML unmarshaling
	TaskTTLRaw          string `yaml:"task_ttl"`
	LeaseTTLRaw         string `yaml:"lease_ttl"`
	DispatchIntervalRaw string `yaml:"dispatch_interval"`
	ReapIntervalRaw     string `yaml:"reap_interval"`
	PingIntervalRaw     string `yaml:"ping_interval"`
}

// MigrationConfig holds legacy queue migration settings
type MigrationConfig struct {
	TaskTTL     time.Duration `yaml:"-"`
	MinLeaseTTL time.Duration `yaml:"-"`

	TaskTTLRaw     string `yaml:"task_ttl"`
	MinLeaseTTLRaw string `yaml:"min_lease_ttl"`
}

// BreakerConfig holds circuit breaker thresholds shared by every guarded dependency
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"-"`

	ResetTimeoutRaw string `yaml:"reset_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the path to the hub config file.
// Priority: DISPATCH_CONFIG env var > XDG_CONFIG_HOME/coven-dispatch/hub.yaml > ~/.config/coven-dispatch/hub.yaml
func DefaultPath() string {
	if envPath := os.Getenv("DISPATCH_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "hub.yaml")
}

// configDir returns the coven-dispatch config directory.
func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "coven-dispatch")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	setDefault(&c.Queue.TaskTTL, DefaultTaskTTL)
	setDefault(&c.Queue.LeaseTTL, DefaultLeaseTTL)
	setDefault(&c.Queue.DispatchInterval, DefaultDispatchInterval)
	setDefault(&c.Queue.ReapInterval, DefaultReapInterval)
	setDefault(&c.Queue.PingInterval, DefaultPingInterval)
	setDefault(&c.Migration.TaskTTL, c.Queue.TaskTTL)
	setDefault(&c.Migration.MinLeaseTTL, DefaultMinLeaseTTL)
	setDefault(&c.Breaker.ResetTimeout, DefaultResetTimeout)
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Queue.MaxInFlight < 0 {
		return fmt.Errorf("queue.max_in_flight must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"queue.task_ttl":          c.Queue.TaskTTL,
		"queue.lease_ttl":         c.Queue.LeaseTTL,
		"queue.dispatch_interval": c.Queue.DispatchInterval,
		"queue.reap_interval":     c.Queue.ReapInterval,
		"queue.ping_interval":     c.Queue.PingInterval,
		"migration.task_ttl":      c.Migration.TaskTTL,
		"migration.min_lease_ttl": c.Migration.MinLeaseTTL,
		"breaker.reset_timeout":   c.Breaker.ResetTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Queue.ReapInterval >= c.Queue.LeaseTTL {
		return fmt.Errorf("queue.reap_interval must be shorter than queue.lease_ttl so live leases get renewed")
	}

	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("breaker thresholds must not be negative")
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	return nil
}

func validateLogging(l LoggingConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", l.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"queue.task_ttl", cfg.Queue.TaskTTLRaw, &cfg.Queue.TaskTTL},
		{"queue.lease_ttl", cfg.Queue.LeaseTTLRaw, &cfg.Queue.LeaseTTL},
		{"queue.dispatch_interval", cfg.Queue.DispatchIntervalRaw, &cfg.Queue.DispatchInterval},
		{"queue.reap_interval", cfg.Queue.ReapIntervalRaw, &cfg.Queue.ReapInterval},
		{"queue.ping_interval", cfg.Queue.PingIntervalRaw, &cfg.Queue.PingInterval},
		{"migration.task_ttl", cfg.Migration.TaskTTLRaw, &cfg.Migration.TaskTTL},
		{"migration.min_lease_ttl", cfg.Migration.MinLeaseTTLRaw, &cfg.Migration.MinLeaseTTL},
		{"breaker.reset_timeout", cfg.Breaker.ResetTimeoutRaw, &cfg.Breaker.ResetTimeout},
	}
	for _, f := range fields {
		if err := parseDuration(f.dst, f.raw, f.name); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
