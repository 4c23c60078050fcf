// Package config provides configuration loading and validation for the analyzer.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultQuery is used when a submission carries no (or a blank) query.
const DefaultQuery = "Analyze this financial document for investment insights"

// Config represents the application configuration. Values come from environment
// variables (optionally loaded from .env) and an optional config file.
type Config struct {
	Port        int
	DatabaseURL string

	GoogleAPIKey   string
	LLMProvider    string
	LLMModel       string
	LLMTemperature float32
	LLMTimeout     time.Duration
	LLMMaxAttempts int
	LLMRPM         int // requests per minute to the model, 0 disables limiting

	UploadDir    string
	MaxUploadMB  int64
	DefaultQuery string

	Workers   int
	QueueSize int

	LogLevel  string
	LogFormat string

	JWTSecret          string
	JWTExpirationHours int
	BcryptCost         int
	PasswordPepper     string

	RateLimitEnabled          bool
	RateLimitAnalyzePerHour   int
	RateLimitDefaultPerMinute int
	RateLimitWhitelist        string // comma-separated client IPs
	RateLimitBlacklist        string
}

// Load reads configuration from the environment and, if path is non-empty, from
// the given YAML/JSON file. Environment variables win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:        v.GetInt("port"),
		DatabaseURL: v.GetString("database_url"),

		GoogleAPIKey:   v.GetString("google_api_key"),
		LLMProvider:    v.GetString("llm.provider"),
		LLMModel:       v.GetString("llm.model"),
		LLMTemperature: float32(v.GetFloat64("llm.temperature")),
		LLMTimeout:     v.GetDuration("llm.timeout"),
		LLMMaxAttempts: v.GetInt("llm.max_attempts"),
		LLMRPM:         v.GetInt("llm.requests_per_minute"),

		UploadDir:    v.GetString("upload_dir"),
		MaxUploadMB:  v.GetInt64("max_upload_mb"),
		DefaultQuery: v.GetString("default_query"),

		Workers:   v.GetInt("workers"),
		QueueSize: v.GetInt("queue_size"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),

		JWTSecret:          v.GetString("jwt_secret"),
		JWTExpirationHours: v.GetInt("jwt_expiration_hours"),
		BcryptCost:         v.GetInt("bcrypt_cost"),
		PasswordPepper:     v.GetString("password_pepper"),

		RateLimitEnabled:          v.GetBool("rate_limit.enabled"),
		RateLimitAnalyzePerHour:   v.GetInt("rate_limit.analyze_per_hour"),
		RateLimitDefaultPerMinute: v.GetInt("rate_limit.default_per_minute"),
		RateLimitWhitelist:        v.GetString("rate_limit.whitelist"),
		RateLimitBlacklist:        v.GetString("rate_limit.blacklist"),
	}

	if strings.TrimSpace(cfg.DefaultQuery) == "" {
		cfg.DefaultQuery = DefaultQuery
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("database_url", "")

	v.SetDefault("google_api_key", "")
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.requests_per_minute", 10)

	v.SetDefault("upload_dir", "data")
	v.SetDefault("max_upload_mb", 20)
	v.SetDefault("default_query", DefaultQuery)

	v.SetDefault("workers", 2)
	v.SetDefault("queue_size", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_expiration_hours", 24)
	v.SetDefault("bcrypt_cost", 12)
	v.SetDefault("password_pepper", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.analyze_per_hour", 30)
	v.SetDefault("rate_limit.default_per_minute", 600)
	v.SetDefault("rate_limit.whitelist", "")
	v.SetDefault("rate_limit.blacklist", "")
}

// Validate checks that the configuration has usable values.
// The model API key is checked separately by commands that need a model.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config error: 'database_url' is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' out of range: %d", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config error: 'workers' must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config error: 'queue_size' must be positive")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("config error: 'max_upload_mb' must be positive")
	}
	if c.LLMMaxAttempts <= 0 {
		return fmt.Errorf("config error: 'llm.max_attempts' must be positive")
	}
	if c.LLMRPM < 0 {
		return fmt.Errorf("config error: 'llm.requests_per_minute' cannot be negative")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("config error: 'llm.timeout' must be positive")
	}
	if c.BcryptCost < 10 || c.BcryptCost > 14 {
		return fmt.Errorf("config error: 'bcrypt_cost' out of range: %d (must be 10-14)", c.BcryptCost)
	}
	if c.JWTSecret != "" && c.JWTExpirationHours < 1 {
		return fmt.Errorf("config error: 'jwt_expiration_hours' must be at least 1")
	}
	return nil
}

// RequireModel checks that the model API key is present.
func (c *Config) RequireModel() error {
	if c.GoogleAPIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY environment variable is required")
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
