package web

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the management server settings, loaded from a YAML file.
type Config struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           5000,
		ReadTimeoutMS:  10000,
		WriteTimeoutMS: 10000,
	}
}

// LoadConfig reads an HTTP server configuration YAML file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read http config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse http config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return nil
}
