// Package config handles quietfeed daemon configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Browser           BrowserConfig  `yaml:"browser"`
	Store             StoreConfig    `yaml:"store"`
	Server            ServerConfig   `yaml:"server"`
	Debounce          DebounceConfig `yaml:"debounce"`
	BroadcastDelay    time.Duration  `yaml:"broadcast_delay"`
	ReconcileSchedule string         `yaml:"reconcile_schedule"`
	Catalog           string         `yaml:"catalog"` // empty: built-in catalog
	DashboardURL      string         `yaml:"dashboard_url"`
	Tabs              []string       `yaml:"tabs"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote          string        `yaml:"remote"`
	Mode            string        `yaml:"mode"` // headless | headful | remote
	Stealth         bool          `yaml:"stealth"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
	XvfbDisplay     string        `yaml:"xvfb_display"`
}

// StoreConfig locates the settings database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	MaxBody  int64  `yaml:"max_body"`
	Disabled bool   `yaml:"disabled"`
}

// DebounceConfig controls mutation batching.
type DebounceConfig struct {
	Window time.Duration `yaml:"window"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration and fills in defaults.
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

func (c *Config) applyDefaults() {
	if c.Browser.Mode == "" {
		if c.Browser.Remote != "" {
			c.Browser.Mode = "remote"
		} else {
			c.Browser.Mode = "headless"
		}
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Store.Path == "" {
		c.Store.Path = "quietfeed.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 1 << 20
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 250 * time.Millisecond
	}
	if c.BroadcastDelay <= 0 {
		c.BroadcastDelay = 100 * time.Millisecond
	}
	if c.ReconcileSchedule == "" {
		c.ReconcileSchedule = "@every 1m"
	}
}

func (c *Config) validate() error {
	switch c.Browser.Mode {
	case "headless", "headful":
	case "remote":
		if c.Browser.Remote == "" {
			return fmt.Errorf("config: browser.mode remote needs browser.remote")
		}
	default:
		return fmt.Errorf("config: unknown browser.mode %q", c.Browser.Mode)
	}
	return nil
}
