package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all engine configuration.
type Config struct {
	IPC     IPCConfig     `toml:"ipc"`
	VM      VMConfig      `toml:"vm"`
	Logging LogConfig     `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// IPCConfig holds message engine tuning constants.
type IPCConfig struct {
	// NarrowNames selects the narrow-name wire layout: no header delta and
	// 12-byte out-of-line descriptors.
	NarrowNames       bool   `envconfig:"IPC_NARROW_NAMES" default:"false" toml:"narrow_names"`
	MaxBodySpace      uint32 `envconfig:"IPC_MAX_BODY_SPACE" default:"50331544" toml:"max_body_space"`
	OOLPhysicalBudget uint64 `envconfig:"IPC_OOL_PHYSICAL_BUDGET" default:"8388608" toml:"ool_physical_budget"`
	OOLSmallThreshold uint64 `envconfig:"IPC_OOL_SMALL_THRESHOLD" default:"8192" toml:"ool_small_threshold"`
	SmallMessageSize  uint32 `envconfig:"IPC_SMALL_MESSAGE_SIZE" default:"256" toml:"small_message_size"`
}

// VMConfig holds reference memory-system settings.
type VMConfig struct {
	KernelCopyMapSize uint64 `envconfig:"IPC_KERNEL_COPY_MAP_SIZE" default:"67108864" toml:"kernel_copy_map_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true" toml:"enabled"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"ipc" toml:"namespace"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a TOML file over the defaults. Keys missing from the file
// keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		IPC: IPCConfig{
			NarrowNames:       false,
			MaxBodySpace:      64*1024*1024*3/4 - 104,
			OOLPhysicalBudget: 8 * 1024 * 1024,
			OOLSmallThreshold: 8 * 1024,
			SmallMessageSize:  256,
		},
		VM: VMConfig{
			KernelCopyMapSize: 64 * 1024 * 1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "ipc",
		},
	}
}

var (
	ErrMaxBodySpace     = errors.New("max body space must be positive")
	ErrSmallMessageSize = errors.New("small message size must hold a header and trailer")
	ErrOOLThreshold     = errors.New("ool small threshold must not exceed the physical budget")
)

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.IPC.MaxBodySpace == 0 {
		return fmt.Errorf("invalid config: %w", ErrMaxBodySpace)
	}
	// header, descriptor count and the largest trailer
	if c.IPC.SmallMessageSize < 32+4+52 {
		return fmt.Errorf("invalid config: %w (%d)", ErrSmallMessageSize, c.IPC.SmallMessageSize)
	}
	if c.IPC.OOLPhysicalBudget > 0 && c.IPC.OOLSmallThreshold > c.IPC.OOLPhysicalBudget {
		return fmt.Errorf("invalid config: %w", ErrOOLThreshold)
	}
	return nil
}
