// Package config handles configuration loading for conductor.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Bus          BusConfig          `mapstructure:"bus"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Log          LogConfig          `mapstructure:"log"`
}

// StoreConfig holds task store settings.
type StoreConfig struct {
	// Path is the SQLite database file. The literal value ":memory:"
	// selects the in-memory store.
	Path string `mapstructure:"path"`
	// CleanupAge is how old a terminal task must be before Cleanup
	// removes it. Zero disables periodic cleanup.
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
	// CleanupInterval is how often the cleanup pass runs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// OrchestratorConfig holds worker pool settings.
type OrchestratorConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	// DrainInterval is how often parked offline firings are re-attempted.
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.cleanup_age", "168h")
	v.SetDefault("store.cleanup_interval", "1h")

	v.SetDefault("orchestrator.workers", 5)
	v.SetDefault("orchestrator.queue_size", 100)
	v.SetDefault("orchestrator.agent_timeout", "0s")

	v.SetDefault("bus.capacity", 1000)

	v.SetDefault("scheduler.drain_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:            defaultStorePath(),
			CleanupAge:      168 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			Workers:   5,
			QueueSize: 100,
		},
		Bus: BusConfig{
			Capacity: 1000,
		},
		Scheduler: SchedulerConfig{
			DrainInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// defaultStorePath places the database under the XDG data directory.
func defaultStorePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor", "tasks.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".conductor", "tasks.db")
	}
	return filepath.Join(home, ".local", "share", "conductor", "tasks.db")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
