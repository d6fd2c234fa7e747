package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/drover/internal/logging"
)

// Environment overrides applied after the file is parsed.
const (
	EnvRelayAPIKey = "DROVER_RELAY_API_KEY"
	EnvAgentAPIKey = "DROVER_AGENT_API_KEY"
)

// Config represents the top-level drover configuration.
type Config struct {
	Listen   string   `yaml:"listen"`
	Database Database `yaml:"database"`
	Queue    Queue    `yaml:"queue"`
	Relay    Relay    `yaml:"relay"`
	SSH      SSH      `yaml:"ssh"`
	Agent    Agent    `yaml:"agent"`
	Log      Log      `yaml:"log"`
}

// Database holds the sqlite location.
type Database struct {
	Path string `yaml:"path"`
}

// Queue configures the scheduler and the execution cache.
type Queue struct {
	Concurrency   int      `yaml:"concurrency"`
	Interval      Duration `yaml:"interval"`
	StatsRefresh  Duration `yaml:"stats_refresh"`
	TaskCacheTTL  Duration `yaml:"task_cache_ttl"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Relay configures the proxy relay hub.
type Relay struct {
	APIKey         string   `yaml:"api_key"`
	CommandTimeout Duration `yaml:"command_timeout"`
	PingInterval   Duration `yaml:"ping_interval"`
}

// SSH configures direct sessions.
type SSH struct {
	AcceptUnknownHosts bool     `yaml:"accept_unknown_hosts"`
	KnownHosts         string   `yaml:"known_hosts"`
	DialTimeout        Duration `yaml:"dial_timeout"`
}

// Agent configures the proxy agent side (`drover agent`).
type Agent struct {
	ServerURL string `yaml:"server_url"`
	ProxyID   string `yaml:"proxy_id"`
	APIKey    string `yaml:"api_key"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "0.0.0.0:8080",
		Database: Database{Path: "drover.db"},
		Queue: Queue{
			Concurrency:   10,
			Interval:      Duration{3 * time.Second},
			StatsRefresh:  Duration{10 * time.Second},
			TaskCacheTTL:  Duration{30 * time.Second},
			ShutdownGrace: Duration{30 * time.Second},
		},
		Relay: Relay{
			CommandTimeout: Duration{30 * time.Second},
			PingInterval:   Duration{25 * time.Second},
		},
		SSH: SSH{
			KnownHosts:  "~/.ssh/known_hosts",
			DialTimeout: Duration{10 * time.Second},
		},
		Log: Log{Level: "info"},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "drover", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "drover", "config.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns defaults (with env overrides) when
// path is empty or missing.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// 0600: the file may carry API keys.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRelayAPIKey); v != "" {
		c.Relay.APIKey = v
	}
	if v := os.Getenv(EnvAgentAPIKey); v != "" {
		c.Agent.APIKey = v
	}
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"queue.interval", c.Queue.Interval},
		{"queue.stats_refresh", c.Queue.StatsRefresh},
		{"queue.task_cache_ttl", c.Queue.TaskCacheTTL},
		{"queue.shutdown_grace", c.Queue.ShutdownGrace},
		{"relay.command_timeout", c.Relay.CommandTimeout},
		{"relay.ping_interval", c.Relay.PingInterval},
		{"ssh.dial_timeout", c.SSH.DialTimeout},
	}
	for _, d := range durations {
		if d.d.Duration < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, d.d)
		}
	}
	if c.Queue.Interval.Duration == 0 {
		return fmt.Errorf("queue.interval must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}
