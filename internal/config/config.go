// Package config loads and validates the expensesyncd YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the expense API (e.g. "https://api.example.com").
	APIURL string `yaml:"api_url"`

	// APIToken is the bearer token used to authenticate against the API.
	APIToken string `yaml:"api_token"`

	// SyncInterval controls the periodic queue drain schedule.
	// Minimum 5s, maximum 10m. Defaults to 30s if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ProbeInterval controls how often connectivity is probed.
	// Minimum 5s. Defaults to 15s if unset.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeURL is the reachability probe target. Defaults to the API's
	// health endpoint.
	ProbeURL string `yaml:"probe_url"`

	// DBPath overrides the local database location. Defaults to
	// ~/.local/share/expensesyncd/local.db.
	DBPath string `yaml:"db_path"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "expensesyncd".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, typically authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path:
// ~/.config/expensesyncd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "expensesyncd", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and applies defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.SyncInterval < 5*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 5s)", c.SyncInterval)
	}
	if c.SyncInterval > 10*time.Minute {
		return fmt.Errorf("sync_interval %v is too long (maximum 10m)", c.SyncInterval)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeInterval < 5*time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 5s)", c.ProbeInterval)
	}

	if c.ProbeURL == "" {
		c.ProbeURL = c.APIURL + "/api/health"
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
