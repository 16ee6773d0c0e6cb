// Package config handles YAML configuration loading with environment
// variable expansion, and seeds the catalog store from the file at startup.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/modelrelay/relay/internal"
)

// Config is the top-level relay configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Providers   []ProviderEntry   `yaml:"providers"`
	Credentials []CredentialEntry `yaml:"credentials"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout bounds one invocation end to end, upstream call included.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// RequireAuth makes even loopback callers authenticate.
	RequireAuth bool `yaml:"require_auth"`
	// SessionTTL bounds login sessions; 0 means 24h.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// RecorderConfig tunes invocation history capture.
type RecorderConfig struct {
	// FullCapture disables the response text cap.
	FullCapture bool `yaml:"full_capture"`
	// RetentionDays prunes invocation history; 0 keeps it forever.
	RetentionDays int `yaml:"retention_days"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file, with its
// models nested so one stanza describes the whole upstream.
type ProviderEntry struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	BaseURL   string         `yaml:"base_url"`
	APIKey    string         `yaml:"api_key"`     // literal key(s), comma-separated
	APIKeyEnv string         `yaml:"api_key_env"` // environment variable resolved at read time
	Settings  map[string]any `yaml:"settings"`
	Active    *bool          `yaml:"active"`
	Models    []ModelEntry   `yaml:"models"`
}

// IsActive reports whether the provider is active (defaults to true when nil).
func (p ProviderEntry) IsActive() bool { return p.Active == nil || *p.Active }

// ModelEntry is a model definition nested under a provider.
type ModelEntry struct {
	Name          string          `yaml:"name"`
	DisplayName   string          `yaml:"display_name"`
	Description   string          `yaml:"description"`
	RemoteID      string          `yaml:"remote_id"`
	Tags          []string        `yaml:"tags"`
	DefaultParams map[string]any  `yaml:"default_params"`
	Config        ModelConfig     `yaml:"config"`
	RateLimit     *RateLimitEntry `yaml:"rate_limit"`
	Active        *bool           `yaml:"active"`
}

// IsActive reports whether the model is active (defaults to true when nil).
func (m ModelEntry) IsActive() bool { return m.Active == nil || *m.Active }

// ModelConfig mirrors relay.ModelConfig in YAML form.
type ModelConfig struct {
	ContextWindow   int      `yaml:"context_window"`
	Vision          bool     `yaml:"vision"`
	Audio           bool     `yaml:"audio"`
	Video           bool     `yaml:"video"`
	Tools           bool     `yaml:"tools"`
	Endpoint        string   `yaml:"endpoint"`
	InputCostPer1K  *float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K *float64 `yaml:"output_cost_per_1k"`
}

// RateLimitEntry is a per-model token bucket configuration.
type RateLimitEntry struct {
	MaxRequests int `yaml:"max_requests"`
	PerSeconds  int `yaml:"per_seconds"`
	BurstSize   int `yaml:"burst_size"`
}

// CredentialEntry is a caller credential seed in the config file.
type CredentialEntry struct {
	Name             string             `yaml:"name"`
	Secret           string             `yaml:"secret"`     // plaintext, hashed on bootstrap
	SecretEnv        string             `yaml:"secret_env"` // environment variable resolved at read time
	Active           *bool              `yaml:"active"`
	AllowedProviders []string           `yaml:"allowed_providers"`
	AllowedModels    []string           `yaml:"allowed_models"`
	ParameterLimits  map[string]float64 `yaml:"parameter_limits"`
}

// IsActive reports whether the credential is active (defaults to true when nil).
func (c CredentialEntry) IsActive() bool { return c.Active == nil || *c.Active }

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left untouched so the reference stays visible.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations the catalog would have to disable anyway.
func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if !relay.ProviderType(p.Type).Valid() {
			return fmt.Errorf("config: provider %q has unknown type %q", p.Name, p.Type)
		}
		models := make(map[string]struct{}, len(p.Models))
		for _, m := range p.Models {
			if m.Name == "" {
				return fmt.Errorf("config: provider %q has a model with empty name", p.Name)
			}
			if _, ok := models[m.Name]; ok {
				return fmt.Errorf("config: duplicate model %q under provider %q", m.Name, p.Name)
			}
			models[m.Name] = struct{}{}
			if rl := m.RateLimit; rl != nil {
				if rl.MaxRequests <= 0 || rl.PerSeconds <= 0 {
					return fmt.Errorf("config: model %s/%s has invalid rate_limit", p.Name, m.Name)
				}
				if rl.BurstSize != 0 && rl.BurstSize < rl.MaxRequests {
					return fmt.Errorf("config: model %s/%s burst_size below max_requests", p.Name, m.Name)
				}
			}
		}
	}
	for _, cred := range c.Credentials {
		if cred.Name == "" {
			return fmt.Errorf("config: credential with empty name")
		}
		if cred.Secret == "" && cred.SecretEnv == "" {
			return fmt.Errorf("config: credential %q has neither secret nor secret_env", cred.Name)
		}
	}
	return nil
}
