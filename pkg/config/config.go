// Package config loads process configuration and provides the dynamic
// governance configuration sources and their typed policy views.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the process configuration for the governance service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Governance GovernanceConfig `yaml:"governance"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	// SampleRatio is the root span sampling probability, 0 keeps every trace.
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// GovernanceConfig describes the local service and where rules come from.
type GovernanceConfig struct {
	// RulesFile is a flat YAML map of servicecomb.* keys, watched for changes.
	RulesFile string `yaml:"rules_file"`
	// ServiceName and ServiceVersion filter rules through their services field.
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// GlobalQPSOverride lets a configured global QPS limit win over
	// operation, schema and service limits.
	GlobalQPSOverride bool `yaml:"global_qps_override"`
	// InstanceIsolationDefaultFallback applies the instance isolation policy
	// named "default" when neither a marker nor a service policy matches.
	InstanceIsolationDefaultFallback bool `yaml:"instance_isolation_default_fallback"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			AdminAddress: ":19091",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Governance: GovernanceConfig{
			InstanceIsolationDefaultFallback: true,
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_GOV_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("POLIS_GOV_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_GOV_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_GOV_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_GOV_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("POLIS_GOV_RULES_FILE"); val != "" {
		cfg.Governance.RulesFile = val
	}
	if val := os.Getenv("POLIS_GOV_SERVICE_NAME"); val != "" {
		cfg.Governance.ServiceName = val
	}
	if val := os.Getenv("POLIS_GOV_SERVICE_VERSION"); val != "" {
		cfg.Governance.ServiceVersion = val
	}
	switch os.Getenv("POLIS_GOV_GLOBAL_QPS_OVERRIDE") {
	case "true":
		cfg.Governance.GlobalQPSOverride = true
	case "false":
		cfg.Governance.GlobalQPSOverride = false
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: sample_ratio %v must be within [0, 1]", c.Telemetry.SampleRatio)
	}

	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19091"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of governance configuration
func (c *GovernanceConfig) Validate() error {
	if c.ServiceVersion != "" && strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service_version %q requires service_name", c.ServiceVersion)
	}
	if strings.ContainsAny(c.ServiceName, ",:") {
		return fmt.Errorf("service_name %q must not contain ',' or ':'", c.ServiceName)
	}
	return nil
}
