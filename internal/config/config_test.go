package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "grcflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "GRC_DB" || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Notification.MaxAttempts != 4 {
		t.Errorf("Notification.MaxAttempts = %d, want 4", cfg.Notification.MaxAttempts)
	}
	if !cfg.Notification.Webhook.Enabled || cfg.Notification.Webhook.URL != "https://hooks.example.com/grc" {
		t.Errorf("Webhook = %+v", cfg.Notification.Webhook)
	}
	if cfg.Notification.Webhook.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("Webhook.CircuitBreaker.FailureThreshold = %d, want default 5", cfg.Notification.Webhook.CircuitBreaker.FailureThreshold)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_unknown_store_driver(t *testing.T) {
	_, err := Load("testdata/bad_store.yaml")
	if err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Fatalf("Load() error = %v, want store.driver error", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Escalation.Interval != 5*time.Minute || cfg.Escalation.MaxLevels != 3 {
		t.Errorf("default escalation = %v/%d", cfg.Escalation.Interval, cfg.Escalation.MaxLevels)
	}
	if cfg.Server.Idempotency.Driver != "memory" || cfg.Server.Idempotency.TTL != 24*time.Hour {
		t.Errorf("default idempotency = %+v", cfg.Server.Idempotency)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRCFLOW_SERVER_PORT", "3000")
	t.Setenv("GRCFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("GRCFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("GRCFLOW_ESCALATION_INTERVAL", "90s")
	t.Setenv("GRCFLOW_ESCALATION_DEFAULT_TARGET", "env-lead")
	t.Setenv("GRCFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override beats file)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Escalation.Interval != 90*time.Second {
		t.Errorf("Escalation.Interval = %v, want 90s", cfg.Escalation.Interval)
	}
	if cfg.Escalation.DefaultTarget != "env-lead" {
		t.Errorf("Escalation.DefaultTarget = %q", cfg.Escalation.DefaultTarget)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.com"
		cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
		cfg.Identity.Audience = "grcflow"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no definitions", func(c *Config) { c.Definitions.IncludeBuiltin = false }, "definitions"},
		{"escalation interval", func(c *Config) { c.Escalation.Interval = 0 }, "escalation.interval"},
		{"escalation levels", func(c *Config) { c.Escalation.MaxLevels = 0 }, "escalation.max_levels"},
		{"disabled escalation skips checks", func(c *Config) { c.Escalation.Enabled = false; c.Escalation.MaxLevels = 0 }, ""},
		{"max attempts", func(c *Config) { c.Notification.MaxAttempts = 0 }, "notification.max_attempts"},
		{"webhook url", func(c *Config) { c.Notification.Webhook.Enabled = true }, "notification.webhook.url"},
		{"nats url", func(c *Config) { c.Notification.NATS.Enabled = true }, "notification.nats.url"},
		{"preferences driver", func(c *Config) { c.Notification.Preferences.Driver = "ldap" }, "preferences.driver"},
		{"idempotency driver", func(c *Config) { c.Server.Idempotency.Driver = "etcd" }, "idempotency.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEscalationConfig_ForTenant(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	base := cfg.Escalation.ForTenant("tenant-other")
	if base.Interval != 5*time.Minute || base.MaxLevels != 3 || base.DefaultTarget != "grc-lead" {
		t.Errorf("base = %+v", base)
	}
	if base.Superiors["user-manager"] != "user-director" {
		t.Errorf("base superior = %q", base.Superiors["user-manager"])
	}

	fast := cfg.Escalation.ForTenant("tenant-fast")
	if fast.Interval != time.Minute || fast.MaxLevels != 2 {
		t.Errorf("fast = %v/%d", fast.Interval, fast.MaxLevels)
	}
	if fast.DefaultTarget != "grc-lead" {
		t.Errorf("fast DefaultTarget = %q, want inherited", fast.DefaultTarget)
	}
	if fast.Superiors["user-manager"] != "user-ciso" || fast.Superiors["user-analyst"] != "user-manager" {
		t.Errorf("fast superiors = %v", fast.Superiors)
	}

	// Tenant overrides never leak into the shared map.
	if cfg.Escalation.Superiors["user-manager"] != "user-director" {
		t.Error("ForTenant mutated the shared superiors map")
	}
	if got := cfg.Escalation.TickInterval(); got != time.Minute {
		t.Errorf("TickInterval = %v, want 1m", got)
	}
}
