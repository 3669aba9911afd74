// Package config loads service configuration from yaml files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// EnvPrefix is prepended to every environment override, e.g. CODEGEN_SERVER_PORT.
const EnvPrefix = "CODEGEN"

// Config represents the service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Model      ModelConfig      `yaml:"model" mapstructure:"model"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	Debug           bool          `yaml:"debug" mapstructure:"debug"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects where projects, archives and diagnostics live.
type StorageConfig struct {
	// Backend is "os" or "memory".
	Backend string `yaml:"backend" mapstructure:"backend"`
	Root    string `yaml:"root" mapstructure:"root"`
}

// SessionConfig selects the conversation history store.
type SessionConfig struct {
	// Backend is one of "memory", "sqlite", "postgres" or "remote".
	Backend string `yaml:"backend" mapstructure:"backend"`
	// MaxSessions bounds the memory backend. Zero means unbounded.
	MaxSessions int    `yaml:"max_sessions" mapstructure:"max_sessions"`
	DSN         string `yaml:"dsn,omitempty" mapstructure:"dsn"`
	RemoteURL   string `yaml:"remote_url,omitempty" mapstructure:"remote_url"`
	TokenPath   string `yaml:"token_path,omitempty" mapstructure:"token_path"`
}

// ModelConfig holds text-generation provider configuration
type ModelConfig struct {
	// Provider is "gemini", "openai", "anthropic" or "static".
	Provider    string        `yaml:"provider" mapstructure:"provider"`
	Model       string        `yaml:"model" mapstructure:"model"`
	APIKey      string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	APIKeyEnv   string        `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`
	BaseURL     string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// StaticResponse is returned verbatim by the "static" provider.
	StaticResponse string `yaml:"static_response,omitempty" mapstructure:"static_response"`
}

// ExtractionConfig tunes the output recovery chain.
type ExtractionConfig struct {
	Repair       bool `yaml:"repair" mapstructure:"repair"`
	PreviewLimit int  `yaml:"preview_limit" mapstructure:"preview_limit"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Development bool   `yaml:"development" mapstructure:"development"`
}

var defaultAPIKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

var defaultModels = map[string]string{
	"gemini":    "gemini-2.5-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"static":    "static",
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "os",
			Root:    "data",
		},
		Session: SessionConfig{
			Backend: "memory",
		},
		Model: ModelConfig{
			Provider:    "gemini",
			Model:       defaultModels["gemini"],
			APIKeyEnv:   defaultAPIKeyEnv["gemini"],
			Temperature: 0.2,
			MaxTokens:   16384,
			Timeout:     3 * time.Minute,
		},
		Extraction: ExtractionConfig{
			Repair:       true,
			PreviewLimit: 500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional yaml file, applies CODEGEN_*
// environment overrides and resolves the provider API key.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v, DefaultConfig())

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfig,
				fmt.Sprintf("failed to read config file %s", filePath), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to parse config", err)
	}

	cfg.SetDefaults()
	cfg.ResolveAPIKey()
	return &cfg, nil
}

// setViperDefaults registers every leaf of defaults so AutomaticEnv can see
// keys that the config file does not mention.
func setViperDefaults(v *viper.Viper, defaults *Config) {
	d := map[string]interface{}{
		"server.host":              defaults.Server.Host,
		"server.port":              defaults.Server.Port,
		"server.debug":             defaults.Server.Debug,
		"server.max_body_bytes":    defaults.Server.MaxBodyBytes,
		"server.read_timeout":      defaults.Server.ReadTimeout,
		"server.write_timeout":     defaults.Server.WriteTimeout,
		"server.shutdown_timeout":  defaults.Server.ShutdownTimeout,
		"storage.backend":          defaults.Storage.Backend,
		"storage.root":             defaults.Storage.Root,
		"session.backend":          defaults.Session.Backend,
		"session.max_sessions":     defaults.Session.MaxSessions,
		"session.dsn":              defaults.Session.DSN,
		"session.remote_url":       defaults.Session.RemoteURL,
		"session.token_path":       defaults.Session.TokenPath,
		"model.provider":           defaults.Model.Provider,
		"model.model":              "",
		"model.api_key":            "",
		"model.api_key_env":        "",
		"model.base_url":           "",
		"model.temperature":        defaults.Model.Temperature,
		"model.max_tokens":         defaults.Model.MaxTokens,
		"model.timeout":            defaults.Model.Timeout,
		"model.static_response":    "",
		"extraction.repair":        defaults.Extraction.Repair,
		"extraction.preview_limit": defaults.Extraction.PreviewLimit,
		"logging.level":            defaults.Logging.Level,
		"logging.development":      defaults.Logging.Development,
	}
	for key, value := range d {
		v.SetDefault(key, value)
	}
}

// SetDefaults fills zero-valued fields from DefaultConfig. Model name and key
// env follow the configured provider.
func (c *Config) SetDefaults() {
	defaults := DefaultConfig()

	provider := strings.ToLower(c.Model.Provider)
	if provider == "" {
		provider = defaults.Model.Provider
	}
	c.Model.Provider = provider
	if c.Model.Model == "" {
		c.Model.Model = defaultModels[provider]
	}
	if c.Model.APIKeyEnv == "" {
		c.Model.APIKeyEnv = defaultAPIKeyEnv[provider]
	}

	// mergo treats false as unset; keep the caller's choice for repair.
	repair := c.Extraction.Repair
	_ = mergo.Merge(c, defaults)
	c.Extraction.Repair = repair
}

// ResolveAPIKey reads the provider key from the environment when it was not
// set explicitly.
func (c *Config) ResolveAPIKey() {
	if c.Model.APIKey == "" && c.Model.APIKeyEnv != "" {
		c.Model.APIKey = os.Getenv(c.Model.APIKeyEnv)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be positive")
	}

	switch c.Storage.Backend {
	case "os":
		if c.Storage.Root == "" {
			problems = append(problems, "storage.root is required for the os backend")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Session.Backend {
	case "memory":
		if c.Session.MaxSessions < 0 {
			problems = append(problems, "session.max_sessions must not be negative")
		}
	case "sqlite", "postgres":
		if c.Session.DSN == "" {
			problems = append(problems, fmt.Sprintf("session.dsn is required for the %s backend", c.Session.Backend))
		}
	case "remote":
		if c.Session.RemoteURL == "" {
			problems = append(problems, "session.remote_url is required for the remote backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown session.backend %q", c.Session.Backend))
	}

	if _, ok := defaultModels[c.Model.Provider]; !ok {
		problems = append(problems, fmt.Sprintf("unknown model.provider %q", c.Model.Provider))
	}
	if c.Model.Model == "" {
		problems = append(problems, "model.model is required")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrCodeConfig, strings.Join(problems, "; "), nil)
	}
	return nil
}

// RequireCredentials fails when the model provider needs an API key and none
// was found. Commands that call the model run this before doing any work.
func (c *Config) RequireCredentials() error {
	if c.Model.Provider == "static" {
		return nil
	}
	if c.Model.APIKey == "" {
		hint := "set model.api_key"
		if c.Model.APIKeyEnv != "" {
			hint = fmt.Sprintf("set %s", c.Model.APIKeyEnv)
		}
		return apperrors.New(apperrors.ErrCodeConfig,
			fmt.Sprintf("no API key for provider %q (%s)", c.Model.Provider, hint), nil)
	}
	return nil
}

// SaveConfig saves configuration to a YAML file. The API key is never written.
func SaveConfig(cfg *Config, filePath string) error {
	out := *cfg
	out.Model.APIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsNotExist reports whether err came from a missing config file.
func IsNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}
