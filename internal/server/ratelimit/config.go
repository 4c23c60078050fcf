package ratelimit

import (
	"strings"
	"time"

	"github.com/jonathan/financial-analyzer/internal/config"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// FromAppConfig builds the limiter configuration from application settings.
func FromAppConfig(cfg *config.Config) *Config {
	if !cfg.RateLimitEnabled {
		return &Config{Enabled: false}
	}

	return &Config{
		Enabled:         true,
		DefaultLimit:    cfg.RateLimitDefaultPerMinute,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       parseIPList(cfg.RateLimitWhitelist),
		Blacklist:       parseIPList(cfg.RateLimitBlacklist),
		EndpointConfigs: DefaultEndpointConfigs(cfg.RateLimitAnalyzePerHour),
	}
}

// DefaultEndpointConfigs returns the endpoint-specific configurations.
// analyzePerHour bounds document submissions per client.
func DefaultEndpointConfigs(analyzePerHour int) []EndpointConfig {
	burst := analyzePerHour / 10
	if burst < 1 {
		burst = 1
	}
	return []EndpointConfig{
		// Expensive: every submission costs four model calls
		{Path: "/analyze", Method: "POST", Limit: analyzePerHour, Window: time.Hour, Burst: burst},

		// Writes and credential checks
		{Path: "/users", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/auth/login", Method: "POST", Limit: 20, Window: time.Minute, Burst: 5},

		// Reads use the default limit; health checks are unlimited (see MatchEndpoint)
	}
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	ips := strings.Split(list, ",")
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}

	return result
}
