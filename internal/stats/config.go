package stats

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls statistics reporting, loaded from a YAML file.
type Config struct {
	ReportIntervalMS    uint32 `yaml:"report_interval_ms"`
	EnableJSONOutput    bool   `yaml:"enable_json_output"`
	JSONOutputPath      string `yaml:"json_output_path"`
	JSONWriteIntervalMS uint32 `yaml:"json_write_interval_ms"`
}

// DefaultConfig returns the reporting defaults.
func DefaultConfig() *Config {
	return &Config{
		ReportIntervalMS:    30000,
		JSONWriteIntervalMS: 10000,
	}
}

// LoadConfig reads a statistics configuration YAML file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse stats config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stats configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.ReportIntervalMS == 0 {
		return fmt.Errorf("report_interval_ms must be greater than 0")
	}
	if c.EnableJSONOutput && c.JSONOutputPath == "" {
		return fmt.Errorf("json_output_path required when enable_json_output is set")
	}
	if c.EnableJSONOutput && c.JSONWriteIntervalMS == 0 {
		return fmt.Errorf("json_write_interval_ms must be greater than 0")
	}
	return nil
}
