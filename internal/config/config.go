// Package config loads Gantry configuration through viper, layering
// defaults, an optional config file, and GANTRY_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete Gantry configuration.
type Config struct {
	// StoragePath is the root directory for persisted plans.
	StoragePath string `mapstructure:"storage_path"`

	// DefaultRepoPath is used when a plan spec omits its repo.
	DefaultRepoPath string `mapstructure:"default_repo_path"`

	// MaxParallel is the global ceiling on concurrently running
	// work-performing nodes across all plans.
	MaxParallel int `mapstructure:"max_parallel"`

	// PumpInterval is the scheduler tick period.
	PumpInterval time.Duration `mapstructure:"pump_interval"`

	// CleanupSuccessfulWork removes worktrees once their output has
	// been fully consumed.
	CleanupSuccessfulWork bool `mapstructure:"cleanup_successful_work"`

	Merge    MergeConfig    `mapstructure:"merge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Capacity CapacityConfig `mapstructure:"capacity"`
}

// MergeConfig controls reverse integration behavior.
type MergeConfig struct {
	// PushOnSuccess pushes the target branch after a successful RI
	// merge. Push failures are logged, never fatal.
	PushOnSuccess bool `mapstructure:"push_on_success"`

	// Prefer is the conflict-resolution hint passed to the resolver:
	// "ours" or "theirs".
	Prefer string `mapstructure:"prefer"`
}

// LoggingConfig controls the structured debug log.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Dir overrides the log directory; defaults to the storage path.
	Dir string `mapstructure:"dir"`
}

// CapacityConfig controls cross-process capacity coordination.
type CapacityConfig struct {
	// RegistryDir enables the cross-process registry when set; empty
	// means single-process mode.
	RegistryDir string `mapstructure:"registry_dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		StoragePath:           filepath.Join(homeDir(), ".gantry", "plans"),
		MaxParallel:           8,
		PumpInterval:          time.Second,
		CleanupSuccessfulWork: true,
		Merge: MergeConfig{
			Prefer: "theirs",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "gantry")
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	d := DefaultConfig()
	viper.SetDefault("storage_path", d.StoragePath)
	viper.SetDefault("default_repo_path", d.DefaultRepoPath)
	viper.SetDefault("max_parallel", d.MaxParallel)
	viper.SetDefault("pump_interval", d.PumpInterval)
	viper.SetDefault("cleanup_successful_work", d.CleanupSuccessfulWork)
	viper.SetDefault("merge.push_on_success", d.Merge.PushOnSuccess)
	viper.SetDefault("merge.prefer", d.Merge.Prefer)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.dir", d.Logging.Dir)
	viper.SetDefault("capacity.registry_dir", d.Capacity.RegistryDir)
}

// Load unmarshals the current viper state into a Config and validates
// it.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func Validate(cfg Config) error {
	if cfg.StoragePath == "" {
		return fmt.Errorf("storage_path cannot be empty")
	}
	if cfg.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1, got %d", cfg.MaxParallel)
	}
	if cfg.PumpInterval < 100*time.Millisecond {
		return fmt.Errorf("pump_interval must be >= 100ms, got %s", cfg.PumpInterval)
	}
	switch strings.ToLower(cfg.Merge.Prefer) {
	case "ours", "theirs":
	default:
		return fmt.Errorf("merge.prefer must be \"ours\" or \"theirs\", got %q", cfg.Merge.Prefer)
	}
	return nil
}
