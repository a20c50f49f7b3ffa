package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Links struct {
		DefaultTTLHours int  `yaml:"default_ttl_hours"`
		DefaultMaxUsage int  `yaml:"default_max_usage"`
		OTPRequired     bool `yaml:"otp_required"`
		BindVersion     bool `yaml:"bind_version"`
	} `yaml:"links"`
	OTP struct {
		Digits     int `yaml:"digits"`
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"otp"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "decision-portal" {
		return fmt.Errorf("config.project.kind must be 'decision-portal'")
	}
	if c.Links.DefaultTTLHours < 0 {
		return fmt.Errorf("config.links.default_ttl_hours must be >= 0 (0 = no expiry)")
	}
	if c.Links.DefaultMaxUsage < 0 {
		return fmt.Errorf("config.links.default_max_usage must be >= 0 (0 = unlimited)")
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return fmt.Errorf("config.otp.digits must be between 4 and 10")
	}
	if c.OTP.TTLMinutes <= 0 {
		return fmt.Errorf("config.otp.ttl_minutes must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "decision-portal"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: decision-portal

links:
  # Hours before a newly issued link expires; 0 means no expiry.
  default_ttl_hours: 168
  # Uses before a link is exhausted; 0 means unlimited.
  default_max_usage: 0
  # Require OTP step-up for state-changing actions through a link.
  otp_required: false
  # Pin new links to the decision version current at issue time.
  bind_version: true

otp:
  digits: 6
  ttl_minutes: 10
`
