package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	TrustProxy  bool   `mapstructure:"trust_proxy"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Production reports whether diagnostic details must be withheld from clients.
func (s ServerConfig) Production() bool {
	return strings.EqualFold(s.Environment, "production")
}

// AuthConfig holds the shared-secret header configuration
type AuthConfig struct {
	Header string `mapstructure:"header"`
	Secret string `mapstructure:"secret"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig holds the relational store configuration. An empty URL
// disables persistence.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_lifetime"`
}

// RateLimitConfig holds the per-client request window
type RateLimitConfig struct {
	Window     time.Duration `mapstructure:"window"`
	Max        int           `mapstructure:"max"`
	MaxClients int           `mapstructure:"max_clients"`
}

// CORSConfig holds the allowed browser origins. Both fields are
// comma-separated lists.
type CORSConfig struct {
	AllowedOrigins      string `mapstructure:"allowed_origins"`
	AllowedHostSuffixes string `mapstructure:"allowed_host_suffixes"`
}

// Origins returns the exact-match origin allow-list.
func (c CORSConfig) Origins() []string { return splitList(c.AllowedOrigins) }

// HostSuffixes returns the host suffixes accepted for https origins.
func (c CORSConfig) HostSuffixes() []string { return splitList(c.AllowedHostSuffixes) }

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DefaultModel          = "gpt-4o-2024-08-06"
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultMaxTokens      = 1024
	DefaultAuthHeader     = "X-API-Key"
	DefaultRateLimitMax   = 30
	DefaultRateLimitSpan  = 60 * time.Second
	DefaultAllowedOrigins = "http://localhost:3000,http://localhost:5173"
	DefaultHostSuffixes   = ".manus.computer,.manus.space"
)

var envBindings = map[string]string{
	"server.host":                "HOST",
	"server.port":                "PORT",
	"server.environment":         "APP_ENV",
	"server.trust_proxy":         "TRUST_PROXY",
	"server.version":             "SERVICE_VERSION",
	"auth.header":                "AUTH_HEADER",
	"auth.secret":                "API_SECRET_KEY",
	"llm.base_url":               "LLM_BASE_URL",
	"llm.api_key":                "LLM_API_KEY",
	"llm.model":                  "LLM_MODEL",
	"llm.timeout":                "LLM_TIMEOUT",
	"database.url":               "DATABASE_URL",
	"database.max_open_conns":    "DB_MAX_OPEN_CONNS",
	"rate_limit.window":          "RATE_LIMIT_WINDOW",
	"rate_limit.max":             "RATE_LIMIT_MAX",
	"cors.allowed_origins":       "ALLOWED_ORIGINS",
	"cors.allowed_host_suffixes": "ALLOWED_HOST_SUFFIXES",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.service_name", "conversation-gateway")
	v.SetDefault("server.version", "1.0.0")

	v.SetDefault("auth.header", DefaultAuthHeader)
	v.SetDefault("auth.secret", "")

	v.SetDefault("llm.base_url", DefaultBaseURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.max_tokens", DefaultMaxTokens)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("rate_limit.window", DefaultRateLimitSpan)
	v.SetDefault("rate_limit.max", DefaultRateLimitMax)
	v.SetDefault("rate_limit.max_clients", 10000)

	v.SetDefault("cors.allowed_origins", DefaultAllowedOrigins)
	v.SetDefault("cors.allowed_host_suffixes", DefaultHostSuffixes)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. The file is taken from
// CONFIG_PATH, or config.yaml in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the gateway cannot start with. A missing LLM key
// is allowed: chat calls fail individually until it is set.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret (API_SECRET_KEY) is required"))
	}
	if c.Auth.Header == "" {
		errs = append(errs, errors.New("auth.header must not be empty"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max must be positive, got %d", c.RateLimit.Max))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("llm.timeout must be positive, got %s", c.LLM.Timeout))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
