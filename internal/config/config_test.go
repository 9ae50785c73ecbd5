package config

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "MLLP_ADDR", "SCHEMA_DIR", "ALLOW_NONSTANDARD", "SCHEMA_CACHE_SIZE", "AUTH_SIGNING_KEY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if !cfg.AllowNonstandard {
		t.Error("expected non-standard segments to be allowed by default")
	}
	if cfg.SchemaCacheSize != 256 {
		t.Errorf("expected default cache size 256, got %d", cfg.SchemaCacheSize)
	}
	if cfg.MLLPAddr != "" {
		t.Errorf("expected MLLP disabled by default, got %q", cfg.MLLPAddr)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MLLP_ADDR", ":2575")
	t.Setenv("SCHEMA_DIR", "/etc/hl7/schemas")
	t.Setenv("ALLOW_NONSTANDARD", "false")
	t.Setenv("SCHEMA_CACHE_SIZE", "32")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.MLLPAddr != ":2575" {
		t.Errorf("expected MLLP_ADDR :2575, got %q", cfg.MLLPAddr)
	}
	if cfg.SchemaDir != "/etc/hl7/schemas" {
		t.Errorf("expected SCHEMA_DIR to be set, got %q", cfg.SchemaDir)
	}
	if cfg.AllowNonstandard {
		t.Error("expected ALLOW_NONSTANDARD=false to be honored")
	}
	if cfg.SchemaCacheSize != 32 {
		t.Errorf("expected cache size 32, got %d", cfg.SchemaCacheSize)
	}
	lvl, err := cfg.Level()
	if err != nil || lvl != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %v (%v)", lvl, err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func validConfig() *Config {
	return &Config{
		Port:             "8000",
		Env:              "development",
		LogLevel:         "info",
		AllowNonstandard: true,
		SchemaCacheSize:  256,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{name: "bad port", modify: func(c *Config) { c.Port = "http" }, wantErr: "PORT"},
		{name: "port out of range", modify: func(c *Config) { c.Port = "70000" }, wantErr: "PORT"},
		{name: "zero cache", modify: func(c *Config) { c.SchemaCacheSize = 0 }, wantErr: "SCHEMA_CACHE_SIZE"},
		{name: "bad level", modify: func(c *Config) { c.LogLevel = "loud" }, wantErr: "LOG_LEVEL"},
		{name: "production without auth", modify: func(c *Config) { c.Env = "production" }, wantErr: "AUTH_SIGNING_KEY is required"},
		{name: "short key", modify: func(c *Config) { c.AuthSigningKey = "short" }, wantErr: "at least 32 bytes"},
		{
			name: "production with auth",
			modify: func(c *Config) {
				c.Env = "production"
				c.AuthSigningKey = strings.Repeat("k", 32)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.modify(c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
