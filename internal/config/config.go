// Package config layers the agent configuration: .env file, optional yaml
// file, then environment variables (env wins per field).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPanelAddr is the loopback control-plane bind address.
const DefaultPanelAddr = "127.0.0.1:49219"

// DefaultIdleActiveThresholdMs separates active from idle in the ingest DTO.
const DefaultIdleActiveThresholdMs = 60_000

// Config holds everything the daemon reads at startup. The shipper,
// policy and heartbeat loops idle when APIBaseURL or the identity fields
// are missing; that is informational, not an error.
type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	OrgID      string `yaml:"org_id"`
	UserEmail  string `yaml:"user_email"`

	PanelAddr string `yaml:"panel_addr"`
	PanelDir  string `yaml:"panel_dir"`

	IdleActiveThresholdMs int64 `yaml:"idle_active_threshold_ms"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NoAutoPrompt bool `yaml:"no_auto_prompt"`
	DebugIngest  bool `yaml:"debug_ingest"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads the optional yaml file at path (missing file is fine), after
// loading .env if present, and applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PanelAddr:             DefaultPanelAddr,
		IdleActiveThresholdMs: DefaultIdleActiveThresholdMs,
		Logging:               LoggingConfig{Level: "info"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.PanelAddr == "" {
		cfg.PanelAddr = DefaultPanelAddr
	}
	if cfg.IdleActiveThresholdMs <= 0 {
		cfg.IdleActiveThresholdMs = DefaultIdleActiveThresholdMs
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("ORG_ID"); v != "" {
		c.OrgID = v
	}
	if v := os.Getenv("USER_EMAIL"); v != "" {
		c.UserEmail = v
	}
	if v := os.Getenv("PANEL_ADDR"); v != "" {
		c.PanelAddr = v
	}
	if v := os.Getenv("PANEL_DIR"); v != "" {
		c.PanelDir = v
	}
	if v := os.Getenv("IDLE_ACTIVE_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.IdleActiveThresholdMs = ms
		}
	}
	if v := os.Getenv("RIPOR_LOG"); v != "" {
		c.Logging.Level = v
	}
	if os.Getenv("RIPOR_NO_AUTO_PROMPT") == "1" {
		c.NoAutoPrompt = true
	}
	if os.Getenv("RIPOR_DEBUG_INGEST") == "1" {
		c.DebugIngest = true
	}
}

// ShippingConfigured reports whether the remote loops have what they need.
func (c *Config) ShippingConfigured() bool {
	return c.APIBaseURL != "" && c.OrgID != "" && c.UserEmail != ""
}
