// Package config loads agentbus configuration from YAML with environment
// fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Runtime Configuration
	Runtime RuntimeConfig `yaml:"runtime"`

	// Host Configuration (relay)
	Host HostConfig `yaml:"host"`

	// Worker Configuration
	Worker WorkerConfig `yaml:"worker"`

	// Observability
	MetricsPort   int  `yaml:"metrics_port"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// RuntimeConfig holds delivery engine configuration
type RuntimeConfig struct {
	MailboxSize       int  `yaml:"mailbox_size"`
	FailureBufferSize int  `yaml:"failure_buffer_size"`
	EnableMetrics     bool `yaml:"enable_metrics"`
}

// HostConfig holds relay host configuration
type HostConfig struct {
	ListenAddr      string  `yaml:"listen_addr"`
	WorkerRateLimit float64 `yaml:"worker_rate_limit"`
	WorkerRateBurst int     `yaml:"worker_rate_burst"`
}

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	HostAddr string `yaml:"host_addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MailboxSize:       100,
			FailureBufferSize: 64,
			EnableMetrics:     true,
		},
		Host: HostConfig{
			ListenAddr:      ":50051",
			WorkerRateBurst: 100,
		},
		MetricsPort: 9090,
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal over the defaults so an omitted key keeps its default
	// value. This matters for enable_metrics, whose default is true and
	// would otherwise be lost to the zero value.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTBUS_HOST_ADDR"); v != "" {
		cfg.Worker.HostAddr = v
	}
	if v := os.Getenv("AGENTBUS_LISTEN_ADDR"); v != "" {
		cfg.Host.ListenAddr = v
	}
	if v := os.Getenv("AGENTBUS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = port
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Runtime.MailboxSize < 0 {
		return fmt.Errorf("runtime.mailbox_size must not be negative")
	}
	if c.Runtime.FailureBufferSize < 0 {
		return fmt.Errorf("runtime.failure_buffer_size must not be negative")
	}
	if c.Host.WorkerRateLimit < 0 {
		return fmt.Errorf("host.worker_rate_limit must not be negative")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be a valid port number")
	}
	return nil
}
