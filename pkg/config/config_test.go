package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadGovernanceConfig(t *testing.T) {
	configContent := `
server:
  admin_address: ":29091"

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true

logging:
  level: "DEBUG"
  pretty: true

governance:
  rules_file: "rules.yaml"
  service_name: "orders"
  service_version: "1.0.0"
  global_qps_override: true
  instance_isolation_default_fallback: false
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.AdminAddress != ":29091" {
		t.Errorf("Expected admin_address ':29091', got %q", cfg.Server.AdminAddress)
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected normalized level 'debug', got %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Pretty {
		t.Error("Expected pretty logging")
	}

	gov := cfg.Governance
	if gov.RulesFile != "rules.yaml" || gov.ServiceName != "orders" || gov.ServiceVersion != "1.0.0" {
		t.Errorf("Unexpected governance config: %+v", gov)
	}
	if !gov.GlobalQPSOverride {
		t.Error("Expected global_qps_override to be true")
	}
	if gov.InstanceIsolationDefaultFallback {
		t.Error("Expected instance_isolation_default_fallback to be false")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.AdminAddress != ":19091" {
		t.Errorf("Expected default admin address, got %q", cfg.Server.AdminAddress)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default level 'info', got %q", cfg.Logging.Level)
	}
	if !cfg.Governance.InstanceIsolationDefaultFallback {
		t.Error("Expected default fallback to be enabled")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		wantErr     bool
		expectedErr string
	}{
		{
			name:    "empty config gets defaults",
			config:  Config{},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: Config{
				Logging: LoggingConfig{Level: "verbose"},
			},
			wantErr:     true,
			expectedErr: "invalid log level",
		},
		{
			name: "version without name",
			config: Config{
				Governance: GovernanceConfig{ServiceVersion: "1.0.0"},
			},
			wantErr:     true,
			expectedErr: "requires service_name",
		},
		{
			name: "service name with separator",
			config: Config{
				Governance: GovernanceConfig{ServiceName: "orders:1"},
			},
			wantErr:     true,
			expectedErr: "must not contain",
		},
		{
			name: "sample ratio out of range",
			config: Config{
				Telemetry: TelemetryConfig{SampleRatio: 1.5},
			},
			wantErr:     true,
			expectedErr: "sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Config.Validate() expected error but got none")
				} else if tt.expectedErr != "" && !strings.Contains(err.Error(), tt.expectedErr) {
					t.Errorf("Config.Validate() error = %v, expected to contain %q", err, tt.expectedErr)
				}
			} else if err != nil {
				t.Errorf("Config.Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("POLIS_GOV_ADMIN_ADDR", ":39091")
	t.Setenv("POLIS_GOV_LOG_LEVEL", "warn")
	t.Setenv("POLIS_GOV_RULES_FILE", "/etc/polis/rules.yaml")
	t.Setenv("POLIS_GOV_SERVICE_NAME", "billing")
	t.Setenv("POLIS_GOV_GLOBAL_QPS_OVERRIDE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.AdminAddress != ":39091" {
		t.Errorf("Expected admin address from environment, got %q", cfg.Server.AdminAddress)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected level from environment, got %q", cfg.Logging.Level)
	}
	if cfg.Governance.RulesFile != "/etc/polis/rules.yaml" {
		t.Errorf("Expected rules file from environment, got %q", cfg.Governance.RulesFile)
	}
	if cfg.Governance.ServiceName != "billing" {
		t.Errorf("Expected service name from environment, got %q", cfg.Governance.ServiceName)
	}
	if !cfg.Governance.GlobalQPSOverride {
		t.Error("Expected global override from environment")
	}
}
