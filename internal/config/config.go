package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the tether configuration
type Config struct {
	LogLevel  string                    `yaml:"log_level,omitempty"`
	Sweep     SweepConfig               `yaml:"sweep"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

// SweepConfig controls the TTL eviction sweep.
type SweepConfig struct {
	IntervalMinutes int `yaml:"interval_minutes,omitempty"`
}

// PlatformConfig represents per-platform sync policy. TTL and the initial
// fetch window are policy inputs decided here, not by the store.
type PlatformConfig struct {
	Enabled           bool                   `yaml:"enabled"`
	InitialWindowDays int                    `yaml:"initial_window_days,omitempty"`
	TTLDays           int                    `yaml:"ttl_days,omitempty"`
	PoolSize          int                    `yaml:"pool_size,omitempty"`
	Options           map[string]interface{} `yaml:"options,omitempty"`
}

// Platform defaults. High-churn platforms get short TTLs and narrow
// initial windows; low-churn document stores keep content longer.
var platformDefaults = map[string]PlatformConfig{
	"slack":  {InitialWindowDays: 7, TTLDays: 14, PoolSize: 5},
	"gmail":  {InitialWindowDays: 30, TTLDays: 30, PoolSize: 5},
	"notion": {InitialWindowDays: 90, TTLDays: 60, PoolSize: 5},
	"gcal":   {InitialWindowDays: 30, TTLDays: 30, PoolSize: 5},
}

// PlatformNames lists the platforms tether knows how to sync.
func PlatformNames() []string {
	return []string{"slack", "gmail", "notion", "gcal"}
}

// Platform returns the effective config for a platform, with defaults
// filled in for any zero fields.
func (c *Config) Platform(name string) PlatformConfig {
	def, ok := platformDefaults[name]
	if !ok {
		def = PlatformConfig{InitialWindowDays: 7, TTLDays: 14, PoolSize: 5}
	}
	cfg := def
	if c != nil {
		if pc, ok := c.Platforms[name]; ok {
			cfg = pc
			if cfg.InitialWindowDays <= 0 {
				cfg.InitialWindowDays = def.InitialWindowDays
			}
			if cfg.TTLDays <= 0 {
				cfg.TTLDays = def.TTLDays
			}
			if cfg.PoolSize <= 0 {
				cfg.PoolSize = def.PoolSize
			}
		}
	}
	return cfg
}

// InitialWindow returns the fallback fetch window for a source with no
// prior cursor.
func (c *Config) InitialWindow(platform string) time.Duration {
	return time.Duration(c.Platform(platform).InitialWindowDays) * 24 * time.Hour
}

// TTL returns the retention duration assigned to content at write time.
func (c *Config) TTL(platform string) time.Duration {
	return time.Duration(c.Platform(platform).TTLDays) * 24 * time.Hour
}

// SweepInterval returns how often the eviction sweep runs.
func (c *Config) SweepInterval() time.Duration {
	if c != nil && c.Sweep.IntervalMinutes > 0 {
		return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
	}
	return 15 * time.Minute
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("TETHER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tether"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("TETHER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Tether"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether"), nil
	}

	return filepath.Join(home, ".local", "share", "tether"), nil
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default empty config
			return &Config{
				Platforms: make(map[string]PlatformConfig),
			}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Platforms == nil {
		cfg.Platforms = make(map[string]PlatformConfig)
	}

	return &cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
