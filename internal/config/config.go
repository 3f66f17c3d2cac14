// Package config provides YAML-based configuration loading for agentbus.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zulandar/agentbus/internal/registry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level agentbus configuration, loaded from agentbus.yaml.
type Config struct {
	Database  DatabaseConfig       `yaml:"database"`
	Router    RouterConfig         `yaml:"router"`
	Registry  RegistryConfig       `yaml:"registry"`
	Logging   LoggingConfig        `yaml:"logging"`
	Dashboard DashboardConfig      `yaml:"dashboard"`
	Tracing   TracingConfig        `yaml:"tracing"`
	Notify    NotifyConfig         `yaml:"notify"`
	Agents    []registry.AgentCard `yaml:"agents"`
}

// DatabaseConfig selects the event store backend. Driver "sqlite" uses
// Path; driver "mysql" (MySQL or Dolt) uses Host, Port, Name and User.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// RouterConfig tunes delivery deduplication.
type RouterConfig struct {
	DedupWindow   time.Duration `yaml:"dedup_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RegistryConfig controls how the in-memory registry follows the directory.
type RegistryConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DashboardConfig holds the observability HTTP server settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// NotifyConfig configures outward chat notifications.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`

	// Command is a shell template run when a message lands in the inbox
	// of one of Recipients, e.g. `notify-send agentbus "{{.Type}}"`.
	// Placeholders expand from the environment, so quote them with
	// double quotes.
	Command    string   `yaml:"command"`
	Recipients []string `yaml:"recipients"`
}

// ChatConfig is a bot token plus the channel notifications are posted to.
type ChatConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether both token and channel are set.
func (c ChatConfig) Enabled() bool { return c.Token != "" && c.Channel != "" }

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied,
// backed by a local sqlite file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "agentbus.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "agentbus"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Router.DedupWindow == 0 {
		c.Router.DedupWindow = 60 * time.Second
	}
	if c.Router.SweepInterval == 0 {
		c.Router.SweepInterval = 30 * time.Second
	}
	if c.Registry.StaleAfter == 0 {
		c.Registry.StaleAfter = 2 * time.Minute
	}
	if c.Registry.RefreshInterval == 0 {
		c.Registry.RefreshInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "noop"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Router.DedupWindow < 0 {
		errs = append(errs, "router.dedup_window must not be negative")
	}
	if c.Router.SweepInterval < time.Second {
		errs = append(errs, "router.sweep_interval must be at least 1s")
	}
	if c.Registry.RefreshInterval < time.Second {
		errs = append(errs, "registry.refresh_interval must be at least 1s")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not supported (text, json)", c.Logging.Format))
	}
	switch c.Tracing.Exporter {
	case "noop", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter %q is not supported (noop, stdout)", c.Tracing.Exporter))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("agents[%d]: %v", i, err))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
