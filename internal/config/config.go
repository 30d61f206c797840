// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Notification  NotificationConfig  `yaml:"notification"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int               `yaml:"port"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	HandlerTimeout  time.Duration     `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	CORS            CORSConfig        `yaml:"cors"`
	Idempotency     IdempotencyConfig `yaml:"idempotency"`
}

// IdempotencyConfig describes where Idempotency-Key results are kept.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find workflow type YAML files.
type DefinitionsConfig struct {
	Directories    []string `yaml:"directories"`
	IncludeBuiltin bool     `yaml:"include_builtin"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	DefaultTaskDue  time.Duration `yaml:"default_task_due"`
}

// EscalationConfig describes the escalation scheduler. Tenants without an
// override use the top-level values.
type EscalationConfig struct {
	Enabled       bool                        `yaml:"enabled"`
	Interval      time.Duration               `yaml:"interval"`
	MaxLevels     int                         `yaml:"max_levels"`
	DefaultTarget string                      `yaml:"default_target"`
	BatchSize     int                         `yaml:"batch_size"`
	Superiors     map[string]string           `yaml:"superiors"`
	Tenants       map[string]TenantEscalation `yaml:"tenants"`
}

// TenantEscalation overrides escalation settings for one tenant. Zero values
// inherit the top-level setting; superiors are merged over the shared map.
type TenantEscalation struct {
	Interval      time.Duration     `yaml:"interval"`
	MaxLevels     int               `yaml:"max_levels"`
	DefaultTarget string            `yaml:"default_target"`
	Superiors     map[string]string `yaml:"superiors"`
}

// ForTenant returns the effective escalation settings of a tenant.
func (c EscalationConfig) ForTenant(tenantID string) TenantEscalation {
	eff := TenantEscalation{
		Interval:      c.Interval,
		MaxLevels:     c.MaxLevels,
		DefaultTarget: c.DefaultTarget,
		Superiors:     make(map[string]string, len(c.Superiors)),
	}
	for k, v := range c.Superiors {
		eff.Superiors[k] = v
	}
	t, ok := c.Tenants[tenantID]
	if !ok {
		return eff
	}
	if t.Interval > 0 {
		eff.Interval = t.Interval
	}
	if t.MaxLevels > 0 {
		eff.MaxLevels = t.MaxLevels
	}
	if t.DefaultTarget != "" {
		eff.DefaultTarget = t.DefaultTarget
	}
	for k, v := range t.Superiors {
		eff.Superiors[k] = v
	}
	return eff
}

// TickInterval is the smallest interval configured for any tenant.
func (c EscalationConfig) TickInterval() time.Duration {
	tick := c.Interval
	for _, t := range c.Tenants {
		if t.Interval > 0 && (tick <= 0 || t.Interval < tick) {
			tick = t.Interval
		}
	}
	return tick
}

// NotificationConfig describes notification dispatch settings.
type NotificationConfig struct {
	MaxAttempts     int               `yaml:"max_attempts"`
	RetryBackoff    time.Duration     `yaml:"retry_backoff"`
	RelayInterval   time.Duration     `yaml:"relay_interval"`
	BatchSize       int               `yaml:"batch_size"`
	QueueSize       int               `yaml:"queue_size"`
	DefaultChannels []string          `yaml:"default_channels"`
	Preferences     PreferencesConfig `yaml:"preferences"`
	DeliveryLog     DeliveryLogConfig `yaml:"delivery_log"`
	Log             LogChannelConfig  `yaml:"log"`
	Webhook         WebhookConfig     `yaml:"webhook"`
	NATS            NATSChannelConfig `yaml:"nats"`
}

// PreferencesConfig selects the recipient preference store.
type PreferencesConfig struct {
	Driver  string              `yaml:"driver"`
	AddrEnv string              `yaml:"addr_env"`
	DB      int                 `yaml:"db"`
	Static  map[string][]string `yaml:"static"`
}

// DeliveryLogConfig selects where delivery attempts are recorded.
type DeliveryLogConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// LogChannelConfig enables the log channel.
type LogChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebhookConfig describes the webhook channel.
type WebhookConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// NATSChannelConfig describes the NATS JetStream channel.
type NATSChannelConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BridgeConfig describes the external process engine.
type BridgeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	HostPort    string        `yaml:"host_port"`
	Namespace   string        `yaml:"namespace"`
	TaskQueue   string        `yaml:"task_queue"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "If-Match", "Idempotency-Key"},
				MaxAge:         86400,
			},
			Idempotency: IdempotencyConfig{
				Driver:  "memory",
				AddrEnv: "GRCFLOW_REDIS_ADDR",
				TTL:     24 * time.Hour,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
			},
		},
		Definitions: DefinitionsConfig{
			IncludeBuiltin: true,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "GRCFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
			DefaultTaskDue:  72 * time.Hour,
		},
		Escalation: EscalationConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			MaxLevels: 3,
			BatchSize: 500,
		},
		Notification: NotificationConfig{
			MaxAttempts:     3,
			RetryBackoff:    500 * time.Millisecond,
			RelayInterval:   30 * time.Second,
			BatchSize:       100,
			QueueSize:       1024,
			DefaultChannels: []string{"log"},
			Preferences:     PreferencesConfig{Driver: "static", AddrEnv: "GRCFLOW_REDIS_ADDR"},
			DeliveryLog:     DeliveryLogConfig{Driver: "memory", AddrEnv: "GRCFLOW_REDIS_ADDR", TTL: 30 * 24 * time.Hour},
			Log:             LogChannelConfig{Enabled: true},
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					Timeout:          30 * time.Second,
					MaxRequests:      1,
				},
			},
			NATS: NATSChannelConfig{
				Stream:        "GRCFLOW_NOTIFICATIONS",
				SubjectPrefix: "grcflow.notifications",
			},
		},
		Bridge: BridgeConfig{
			HostPort:    "localhost:7233",
			Namespace:   "default",
			TaskQueue:   "grcflow",
			CallTimeout: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Server.Idempotency.Driver) {
		errs = append(errs, fmt.Sprintf("server.idempotency.driver %q must be memory or redis", c.Server.Idempotency.Driver))
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !c.Definitions.IncludeBuiltin && len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions: include_builtin is off and no directories are configured")
	}
	if !slices.Contains([]string{"memory", "postgres"}, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if c.Escalation.Enabled {
		if c.Escalation.Interval <= 0 {
			errs = append(errs, "escalation.interval must be positive")
		}
		if c.Escalation.MaxLevels < 1 {
			errs = append(errs, "escalation.max_levels must be at least 1")
		}
		for id, t := range c.Escalation.Tenants {
			if t.Interval < 0 || t.MaxLevels < 0 {
				errs = append(errs, fmt.Sprintf("escalation.tenants.%s: interval and max_levels must not be negative", id))
			}
		}
	}
	if c.Notification.MaxAttempts < 1 {
		errs = append(errs, "notification.max_attempts must be at least 1")
	}
	if !slices.Contains([]string{"static", "redis"}, c.Notification.Preferences.Driver) {
		errs = append(errs, fmt.Sprintf("notification.preferences.driver %q must be static or redis", c.Notification.Preferences.Driver))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Notification.DeliveryLog.Driver) {
		errs = append(errs, fmt.Sprintf("notification.delivery_log.driver %q must be memory or redis", c.Notification.DeliveryLog.Driver))
	}
	if c.Notification.Webhook.Enabled && c.Notification.Webhook.URL == "" {
		errs = append(errs, "notification.webhook.url is required when the webhook channel is enabled")
	}
	if c.Notification.NATS.Enabled && c.Notification.NATS.URL == "" {
		errs = append(errs, "notification.nats.url is required when the nats channel is enabled")
	}
	if c.Bridge.Enabled && c.Bridge.HostPort == "" {
		errs = append(errs, "bridge.host_port is required when the bridge is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads GRCFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRCFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GRCFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("GRCFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("GRCFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("GRCFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("GRCFLOW_ESCALATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Escalation.Interval = d
		}
	}
	if v := os.Getenv("GRCFLOW_ESCALATION_DEFAULT_TARGET"); v != "" {
		cfg.Escalation.DefaultTarget = v
	}
	if v := os.Getenv("GRCFLOW_BRIDGE_HOST_PORT"); v != "" {
		cfg.Bridge.HostPort = v
	}
	if v := os.Getenv("GRCFLOW_NATS_URL"); v != "" {
		cfg.Notification.NATS.URL = v
	}
	if v := os.Getenv("GRCFLOW_WEBHOOK_URL"); v != "" {
		cfg.Notification.Webhook.URL = v
	}
	if v := os.Getenv("GRCFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
