// Package config provides configuration management for the mount daemon.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration. Command-line flags
// override file values.
type Config struct {
	Mount   MountConfig   `yaml:"mount"`
	Logging LoggingConfig `yaml:"logging"`
}

// MountConfig holds mount defaults.
type MountConfig struct {
	// StreamInterface selects ADS addressing: none, xattr, or windows.
	StreamInterface string `yaml:"stream_interface"`
	// StagingDir is the directory staging stores are created under.
	// Empty means the process working directory at mount time.
	StagingDir string `yaml:"staging_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			StreamInterface: "xattr",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns defaults if
// no path is given or the file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}
