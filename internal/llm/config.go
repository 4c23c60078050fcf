// Package llm provides the model client and the Reasoning Service used by pipeline stages.
package llm

import (
	"time"

	"github.com/jonathan/financial-analyzer/internal/config"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Config holds the model configuration for the application
type Config struct {
	Provider    Provider
	Model       string
	Temperature float32

	// Timeout bounds a single model call; retries get a fresh deadline.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	// RequestsPerMinute caps model calls across all stages and jobs. Zero disables it.
	RequestsPerMinute int
}

// DefaultConfig returns the default configuration (Gemini Flash, low temperature).
func DefaultConfig() *Config {
	return &Config{
		Provider:          ProviderGemini,
		Model:             "gemini-2.5-flash",
		Temperature:       0.3,
		Timeout:           120 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		RequestsPerMinute: 10,
	}
}

// ConfigFromApp builds the model configuration from application config.
func ConfigFromApp(cfg *config.Config) *Config {
	c := DefaultConfig()
	if cfg.LLMProvider != "" {
		c.Provider = Provider(cfg.LLMProvider)
	}
	if cfg.LLMModel != "" {
		c.Model = cfg.LLMModel
	}
	c.Temperature = cfg.LLMTemperature
	if cfg.LLMTimeout > 0 {
		c.Timeout = cfg.LLMTimeout
	}
	if cfg.LLMMaxAttempts > 0 {
		c.MaxAttempts = cfg.LLMMaxAttempts
	}
	c.RequestsPerMinute = cfg.LLMRPM
	return c
}
