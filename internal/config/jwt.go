package config

import "fmt"

// JWTConfig holds configuration for JWT token generation and validation.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// NewJWTConfig creates a JWT configuration from the application config.
// It returns (nil, nil) when no secret is configured, which disables token login.
func NewJWTConfig(cfg *Config) (*JWTConfig, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}

	jc := &JWTConfig{
		Secret:          cfg.JWTSecret,
		ExpirationHours: cfg.JWTExpirationHours,
	}
	if err := jc.normalize(); err != nil {
		return nil, err
	}
	return jc, nil
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.ExpirationHours < 1 {
		return fmt.Errorf("JWT_EXPIRATION_HOURS must be at least 1 hour, got: %d", c.ExpirationHours)
	}
	return nil
}
