// Package config provides application configuration with multi-source
// priority:
//
//  1. Environment variables (CAREBOT_* prefix, runtime override)
//  2. Config file (~/.carebot/config.yaml)
//  3. Default values
//
// Sensitive fields (API key, JWT secret, database URL) are masked in
// MarshalJSON so a dumped config never leaks credentials into logs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the model API key is not configured.
	ErrMissingAPIKey = errors.New("missing model API key")

	// ErrMissingJWTSecret indicates the JWT signing secret is not set.
	ErrMissingJWTSecret = errors.New("missing JWT secret")

	// ErrInvalidJWTSecret indicates the JWT secret is too short.
	ErrInvalidJWTSecret = errors.New("JWT secret must be at least 32 bytes")

	// ErrInvalidEHRBaseURL indicates the EHR API base URL is invalid.
	ErrInvalidEHRBaseURL = errors.New("invalid EHR API base URL")

	// ErrInvalidMaxIterations indicates the agent iteration ceiling is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidHistoryLimit indicates the conversation history cap is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid history limit")

	// ErrInvalidRateLimit indicates the per-user message rate limit is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")
)

// Defaults applied by Load when neither file nor environment sets a value.
const (
	// DefaultModel is the chat completion model.
	DefaultModel = "gpt-4o"

	// DefaultMaxIterations bounds model and tool round trips per request.
	DefaultMaxIterations = 10

	// DefaultHistoryLimit caps stored messages per conversation.
	DefaultHistoryLimit = 20

	// DefaultRateLimitPerWindow is messages allowed per user per window.
	DefaultRateLimitPerWindow = 30

	// DefaultSQLRowLimit is appended to SELECT queries lacking a LIMIT.
	DefaultSQLRowLimit = 50
)

// Config stores the application configuration.
type Config struct {
	// HTTP server
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Language model
	APIKey  string `mapstructure:"api_key" json:"-"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	Model   string `mapstructure:"model" json:"model"`

	// Agent behavior
	MaxIterations      int `mapstructure:"max_iterations" json:"max_iterations"`
	HistoryLimit       int `mapstructure:"history_limit" json:"history_limit"`
	RateLimitPerWindow int `mapstructure:"rate_limit_per_window" json:"rate_limit_per_window"`

	// EHR API
	EHRBaseURL string `mapstructure:"ehr_base_url" json:"ehr_base_url"`

	// Optional Postgres for the raw-query tool and schema prompt fragment.
	// Empty disables both.
	DatabaseURL string `mapstructure:"database_url" json:"-"`
	SQLRowLimit int    `mapstructure:"sql_row_limit" json:"sql_row_limit"`

	// Auth
	JWTSecret string `mapstructure:"jwt_secret" json:"-"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Tracing. Spans are exported over OTLP HTTP to a local collector
	// agent. An empty endpoint disables export entirely.
	TraceEndpoint string `mapstructure:"trace_endpoint" json:"trace_endpoint"`
	Environment   string `mapstructure:"environment" json:"environment"`
}

// MarshalJSON masks sensitive fields. When adding new secrets, update this.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // drop methods to avoid recursion
	masked := alias(c)
	if masked.APIKey != "" {
		masked.APIKey = "***"
	}
	if masked.JWTSecret != "" {
		masked.JWTSecret = "***"
	}
	if masked.DatabaseURL != "" {
		masked.DatabaseURL = "***"
	}
	out, err := json.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// Load reads configuration from defaults, the optional config file, and
// environment variables, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAREBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".carebot"))
	}
	v.AddConfigPath(".")

	// Missing config file is fine; env and defaults carry the load.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)
	v.SetDefault("base_url", "")
	v.SetDefault("model", DefaultModel)
	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("rate_limit_per_window", DefaultRateLimitPerWindow)
	v.SetDefault("ehr_base_url", "http://localhost:8000/api/v1")
	v.SetDefault("sql_row_limit", DefaultSQLRowLimit)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("trace_endpoint", "")
	v.SetDefault("environment", "dev")
}

// ValidateServe checks everything the serve command needs.
func (c *Config) ValidateServe() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidJWTSecret, len(c.JWTSecret))
	}
	if c.EHRBaseURL == "" || !strings.HasPrefix(c.EHRBaseURL, "http") {
		return fmt.Errorf("%w: %q", ErrInvalidEHRBaseURL, c.EHRBaseURL)
	}
	if c.MaxIterations < 1 || c.MaxIterations > 50 {
		return fmt.Errorf("%w: %d (want 1-50)", ErrInvalidMaxIterations, c.MaxIterations)
	}
	if c.HistoryLimit < 2 || c.HistoryLimit > 200 {
		return fmt.Errorf("%w: %d (want 2-200)", ErrInvalidHistoryLimit, c.HistoryLimit)
	}
	if c.RateLimitPerWindow < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRateLimit, c.RateLimitPerWindow)
	}
	return nil
}
