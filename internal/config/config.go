// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/orchestrator/internal/gate"
	"github.com/vinayprograms/orchestrator/internal/sandbox"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "orchestrator.toml"

// Config represents the orchestrator configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	Confirmation ConfirmationConfig `toml:"confirmation"`
	Storage      StorageConfig      `toml:"storage"` // Recorder for terminal executions
	Events       EventsConfig       `toml:"events"`  // Optional NATS mirror of the event bus
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Tools        ToolsConfig        `toml:"tools"`
	Planner      PlannerConfig      `toml:"planner"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen         string   `toml:"listen"`
	AuthTokenEnv   string   `toml:"auth_token_env"`  // Env var holding the bearer token; empty disables auth
	AllowedOrigins []string `toml:"allowed_origins"` // CORS and WebSocket origins; empty allows any
	SweepInterval  string   `toml:"sweep_interval"`  // How often expired intent tokens are dropped
}

// SandboxConfig contains tool timeout and output limits.
type SandboxConfig struct {
	DefaultTimeout string            `toml:"default_timeout"`
	MaxOutputBytes int               `toml:"max_output_bytes"`
	ToolTimeouts   map[string]string `toml:"tool_timeouts"` // tool name -> duration
}

// ConfirmationConfig contains confirmation gate settings.
type ConfirmationConfig struct {
	Phrase    string `toml:"phrase"`    // Must be typed to confirm HIGH-risk plans
	TokenTTL  string `toml:"token_ttl"` // Intent token lifetime
	Retention string `toml:"retention"` // How long an expired token still reports EXPIRED
}

// StorageConfig contains recorder settings.
type StorageConfig struct {
	Driver string `toml:"driver"` // file (JSONL directory), sqlite, or none
	Path   string `toml:"path"`
}

// EventsConfig contains event bus mirroring settings.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"` // Empty disables the mirror
	SubjectPrefix string `toml:"subject_prefix"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string            `toml:"protocol"` // grpc, http or noop
	Insecure bool              `toml:"insecure"` // Disable TLS (default false)
	Headers  map[string]string `toml:"headers"`  // Auth headers (e.g., x-honeycomb-team)
}

// ToolsConfig contains tool loading settings.
type ToolsConfig struct {
	ScriptDir string `toml:"script_dir"` // Directory of Lua tools
}

// PlannerConfig contains prompt-to-plan settings.
type PlannerConfig struct {
	Library string `toml:"library"` // YAML plan library
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// New creates a new config with defaults.
func New() *Config {
	limits := sandbox.DefaultLimits()
	overrides := make(map[string]string, len(limits.ToolTimeouts))
	for tool, d := range limits.ToolTimeouts {
		overrides[tool] = d.String()
	}
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			SweepInterval: "1m",
		},
		Sandbox: SandboxConfig{
			DefaultTimeout: sandbox.DefaultTimeout.String(),
			MaxOutputBytes: sandbox.DefaultMaxOutputBytes,
			ToolTimeouts:   overrides,
		},
		Confirmation: ConfirmationConfig{
			Phrase:    gate.DefaultPhrase,
			TokenTTL:  gate.DefaultTTL.String(),
			Retention: gate.DefaultRetention.String(),
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "~/.local/orchestrator/executions",
		},
		Events: EventsConfig{
			SubjectPrefix: "orchestrator.executions",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads orchestrator.toml from the current directory, or the
// defaults when there is none.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if _, err := c.SandboxLimits(); err != nil {
		return err
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	if _, err := c.TokenRetention(); err != nil {
		return err
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	if c.Confirmation.Phrase == "" {
		return fmt.Errorf("confirmation.phrase must not be empty")
	}
	switch c.Storage.Driver {
	case "", "file", "sqlite", "none":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "grpc", "http", "noop", "none":
	default:
		return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// SandboxLimits converts the sandbox section.
func (c *Config) SandboxLimits() (sandbox.Limits, error) {
	l := sandbox.Limits{
		DefaultTimeout: sandbox.DefaultTimeout,
		ToolTimeouts:   make(map[string]time.Duration, len(c.Sandbox.ToolTimeouts)),
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
	}
	if c.Sandbox.DefaultTimeout != "" {
		d, err := parsePositive("sandbox.default_timeout", c.Sandbox.DefaultTimeout)
		if err != nil {
			return sandbox.Limits{}, err
		}
		l.DefaultTimeout = d
	}
	for tool, s := range c.Sandbox.ToolTimeouts {
		d, err := parsePositive("sandbox.tool_timeouts."+tool, s)
		if err != nil {
			return sandbox.Limits{}, err
		}
		l.ToolTimeouts[tool] = d
	}
	if l.MaxOutputBytes < 0 {
		return sandbox.Limits{}, fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	return l, nil
}

// TelemetrySettings converts the telemetry section.
func (c *Config) TelemetrySettings() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.Telemetry.Enabled,
		Protocol:    c.Telemetry.Protocol,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     c.Telemetry.Headers,
		ServiceName: "orchestrator",
	}
}

// TokenTTL returns the intent token lifetime.
func (c *Config) TokenTTL() (time.Duration, error) {
	if c.Confirmation.TokenTTL == "" {
		return gate.DefaultTTL, nil
	}
	return parsePositive("confirmation.token_ttl", c.Confirmation.TokenTTL)
}

// TokenRetention returns how long expired tokens are kept before the
// proposals they belong to are cancelled.
func (c *Config) TokenRetention() (time.Duration, error) {
	if c.Confirmation.Retention == "" {
		return gate.DefaultRetention, nil
	}
	return parsePositive("confirmation.retention", c.Confirmation.Retention)
}

// SweepInterval returns how often expired tokens are swept.
func (c *Config) SweepInterval() (time.Duration, error) {
	if c.Server.SweepInterval == "" {
		return time.Minute, nil
	}
	return parsePositive("server.sweep_interval", c.Server.SweepInterval)
}

// GetAuthToken returns the API token from the configured environment variable.
func (c *Config) GetAuthToken() string {
	if c.Server.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Server.AuthTokenEnv)
}

// StoragePath returns the storage path with a leading ~ expanded.
func (c *Config) StoragePath() string {
	return expandHome(c.Storage.Path)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func parsePositive(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}
