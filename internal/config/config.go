package config

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string `mapstructure:"PORT"`
	Env              string `mapstructure:"ENV"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	MLLPAddr         string `mapstructure:"MLLP_ADDR"`
	SchemaDir        string `mapstructure:"SCHEMA_DIR"`
	AllowNonstandard bool   `mapstructure:"ALLOW_NONSTANDARD"`
	SchemaCacheSize  int64  `mapstructure:"SCHEMA_CACHE_SIZE"`
	AuthSigningKey   string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string `mapstructure:"AUTH_ISSUER"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOW_NONSTANDARD", true)
	v.SetDefault("SCHEMA_CACHE_SIZE", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("MLLP_ADDR")
	v.BindEnv("SCHEMA_DIR")
	v.BindEnv("ALLOW_NONSTANDARD")
	v.BindEnv("SCHEMA_CACHE_SIZE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("AUTH_ISSUER")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether /api/v1 requires a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Level returns the zerolog level named by LOG_LEVEL.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Validate checks that the configuration is safe to run. Production requires
// bearer authentication on the HTTP API.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if c.SchemaCacheSize <= 0 {
		return fmt.Errorf("SCHEMA_CACHE_SIZE must be positive, got %d", c.SchemaCacheSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthEnabled() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	return nil
}
