// ABOUTME: Configuration loading for dispatch-agent from TOML files
// ABOUTME: Shares env var expansion and duration parsing with the hub config

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Agent defaults applied by LoadAgent when a field is left empty.
const (
	DefaultExecutorTimeout = 5 * time.Minute
	DefaultShell           = "/bin/sh"
	DefaultPollInterval    = 30 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultReconnectMax    = 2 * time.Minute
	DefaultReconnectJitter = 0.2
)

// PollDisabled is the poll_interval value that turns repository polling off.
const PollDisabled = "off"

// AgentConfig represents the complete dispatch-agent configuration
type AgentConfig struct {
	HubURL    string          `toml:"hub_url"`
	Token     string          `toml:"token"`
	Agent     AgentIdentity   `toml:"agent"`
	Executor  ExecutorConfig  `toml:"executor"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig   `toml:"logging"`
}

// AgentIdentity is what the agent announces to the hub
type AgentIdentity struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Capabilities []string `toml:"capabilities"`
}

// ExecutorConfig controls how tasks are run
type ExecutorConfig struct {
	Timeout    time.Duration `toml:"-"`
	TimeoutRaw string        `toml:"timeout"`
	Shell      string        `toml:"shell"`
	WorkDir    string        `toml:"work_dir"`

	// MaxOutputBytes caps captured stdout and stderr each; 0 selects 1 MiB.
	MaxOutputBytes int `toml:"max_output_bytes"`
}

// MonitorConfig lists the repositories to watch
type MonitorConfig struct {
	Repositories []string `toml:"repositories"`

	// PollInterval is negative when polling is disabled.
	PollInterval    time.Duration `toml:"-"`
	PollIntervalRaw string        `toml:"poll_interval"`
}

// ReconnectConfig selects the delay between connection attempts
type ReconnectConfig struct {
	Delay       time.Duration `toml:"-"`
	MaxDelay    time.Duration `toml:"-"`
	Jitter      float64       `toml:"jitter"`
	Exponential bool          `toml:"exponential"`

	DelayRaw    string `toml:"delay"`
	MaxDelayRaw string `toml:"max_delay"`
}

// DefaultAgentPath returns the path to the agent config file.
// Priority: DISPATCH_AGENT_CONFIG env var > XDG_CONFIG_HOME/coven-dispatch/agent.toml > ~/.config/coven-dispatch/agent.toml
func DefaultAgentPath() string {
	if envPath := os.Getenv("DISPATCH_AGENT_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "agent.toml")
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent decodes TOML agent config content, applies defaults and validates it.
func ParseAgent(data []byte) (*AgentConfig, error) {
	var cfg AgentConfig
	md, err := toml.Decode(expandEnvVars(string(data)), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config file: unknown key %q", undecoded[0].String())
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) parseDurations() error {
	if err := parseDuration(&c.Executor.Timeout, c.Executor.TimeoutRaw, "executor.timeout"); err != nil {
		return err
	}
	if c.Monitor.PollIntervalRaw == PollDisabled {
		c.Monitor.PollInterval = -1
	} else if err := parseDuration(&c.Monitor.PollInterval, c.Monitor.PollIntervalRaw, "monitor.poll_interval"); err != nil {
		return err
	}
	if err := parseDuration(&c.Reconnect.Delay, c.Reconnect.DelayRaw, "reconnect.delay"); err != nil {
		return err
	}
	return parseDuration(&c.Reconnect.MaxDelay, c.Reconnect.MaxDelayRaw, "reconnect.max_delay")
}

func (c *AgentConfig) applyDefaults() {
	if c.Agent.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Agent.ID = host
		} else {
			c.Agent.ID = uuid.NewString()
		}
	}
	if c.Agent.Name == "" {
		c.Agent.Name = c.Agent.ID
	}
	setDefault(&c.Executor.Timeout, DefaultExecutorTimeout)
	if c.Executor.Shell == "" {
		c.Executor.Shell = DefaultShell
	}
	setDefault(&c.Monitor.PollInterval, DefaultPollInterval)
	setDefault(&c.Reconnect.Delay, DefaultReconnectDelay)
	if c.Reconnect.Exponential {
		setDefault(&c.Reconnect.MaxDelay, DefaultReconnectMax)
		if c.Reconnect.Jitter == 0 {
			c.Reconnect.Jitter = DefaultReconnectJitter
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required agent configuration fields are present and valid.
func (c *AgentConfig) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub_url is required")
	}
	u, err := url.Parse(c.HubURL)
	if err != nil {
		return fmt.Errorf("hub_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("hub_url must use ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("hub_url must include a host")
	}

	if c.Executor.Timeout < 0 {
		return fmt.Errorf("executor.timeout must not be negative")
	}
	if c.Executor.MaxOutputBytes < 0 {
		return fmt.Errorf("executor.max_output_bytes must not be negative")
	}
	if c.Reconnect.Delay < 0 || c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	for _, repo := range c.Monitor.Repositories {
		if repo == "" {
			return fmt.Errorf("monitor.repositories must not contain empty paths")
		}
	}

	return validateLogging(c.Logging)
}
