package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d", cfg.MaxParallel)
	}
	if cfg.PumpInterval != time.Second {
		t.Errorf("PumpInterval = %s", cfg.PumpInterval)
	}
	if !cfg.CleanupSuccessfulWork {
		t.Error("CleanupSuccessfulWork should default to true")
	}
	if cfg.Merge.Prefer != "theirs" {
		t.Errorf("Merge.Prefer = %q", cfg.Merge.Prefer)
	}
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("max_parallel", 2)
	viper.Set("merge.prefer", "ours")
	viper.Set("capacity.registry_dir", "/var/run/gantry")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallel != 2 || cfg.Merge.Prefer != "ours" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Capacity.RegistryDir != "/var/run/gantry" {
		t.Errorf("RegistryDir = %q", cfg.Capacity.RegistryDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage path", func(c *Config) { c.StoragePath = "" }},
		{"zero parallel", func(c *Config) { c.MaxParallel = 0 }},
		{"tiny pump interval", func(c *Config) { c.PumpInterval = time.Millisecond }},
		{"bad prefer", func(c *Config) { c.Merge.Prefer = "mine" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
