// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/marcus-qen/praetor/internal/controlplane/oidc"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/praetor")
	DataDir string `json:"data_dir"`
	// DatabaseURL relocates the data directory (sqlite path or sqlite:// DSN).
	DatabaseURL string `json:"database_url,omitempty"`

	// Secrets
	JWTSecret      string `json:"jwt_secret,omitempty"`
	SessionSecret  string `json:"session_secret,omitempty"`
	AuditSecret    string `json:"audit_hmac_secret,omitempty"`
	ApprovalSecret string `json:"approval_secret,omitempty"`

	// Session cookie TTL in minutes (default 60)
	SessionTTLMin int `json:"session_ttl_min"`
	// Approval signature TTL in minutes (default 30)
	ApprovalSigTTLMin int `json:"approval_sig_ttl_min"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Engine
	Engine EngineConfig `json:"engine,omitempty"`

	// Kubernetes adapter
	K8s K8sConfig `json:"k8s,omitempty"`

	// OIDC settings (optional)
	OIDC oidc.Config `json:"oidc,omitempty"`

	// SCIM provisioning
	SCIM SCIMConfig `json:"scim,omitempty"`

	// Billing + quotas
	Billing BillingConfig `json:"billing,omitempty"`

	// Brain (LLM) settings
	Brain BrainConfig `json:"brain,omitempty"`

	// Tenancy bootstrap
	DefaultTenantName  string `json:"default_tenant_name,omitempty"`
	AutoCreateProjects bool   `json:"auto_create_projects"`

	// Audit retention (days; 0 = keep forever)
	AuditRetentionDays int `json:"audit_retention_days"`

	// SLO targets file (default "deploy/slo/slo.yaml")
	SLOTargetsPath string `json:"slo_targets_path,omitempty"`
	// Prometheus base URL for SLO evaluation
	PrometheusURL string `json:"prometheus_url,omitempty"`

	// OTLP trace endpoint (empty = tracing disabled)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// RateLimitConfig configures per-subject token buckets.
type RateLimitConfig struct {
	DefaultRPS float64 `json:"default_rps"`
	Burst      int     `json:"burst"`
}

// EngineConfig bounds the run executor.
type EngineConfig struct {
	Workers           int `json:"workers"`
	AdapterTimeoutSec int `json:"adapter_timeout_sec"`
	ApprovalWaitMin   int `json:"approval_wait_min"`
}

// K8sConfig selects how the real k8s adapter builds its client.
type K8sConfig struct {
	// Mode: local, sa, or kubeconfig
	Mode               string   `json:"mode,omitempty"`
	NamespaceAllowlist []string `json:"namespace_allowlist,omitempty"`
	EnvLabelKey        string   `json:"env_label_key,omitempty"`
	EnvAllowed         string   `json:"env_allowed,omitempty"`
}

// SCIMConfig enables the SCIM v2 provisioning surface.
type SCIMConfig struct {
	Enabled     bool              `json:"enabled"`
	BearerToken string            `json:"bearer_token,omitempty"`
	RoleMap     map[string]string `json:"role_map,omitempty"` // IdP group -> role
}

// BillingConfig holds quota limits. Soft limits warn at >= 80%,
// hard limits reject with 402.
type BillingConfig struct {
	Enabled bool `json:"enabled"`

	SoftTokensDay        int64   `json:"soft_tokens_day"`
	HardTokensDay        int64   `json:"hard_tokens_day"`
	SoftTokensMonth      int64   `json:"soft_tokens_month"`
	HardTokensMonth      int64   `json:"hard_tokens_month"`
	SoftCostDay          float64 `json:"soft_cost_day"`
	HardCostDay          float64 `json:"hard_cost_day"`
	SoftCostMonth        float64 `json:"soft_cost_month"`
	HardCostMonth        float64 `json:"hard_cost_month"`
	SoftAdapterCallsDay  int64   `json:"soft_adapter_calls_day"`
	HardAdapterCallsDay  int64   `json:"hard_adapter_calls_day"`
	SoftAdapterCallsMon  int64   `json:"soft_adapter_calls_month"`
	HardAdapterCallsMon  int64   `json:"hard_adapter_calls_month"`
	StripeWebhookSecret  string  `json:"stripe_webhook_secret,omitempty"`
	StripeCheckoutSecret string  `json:"stripe_checkout_secret,omitempty"`
}

// BrainConfig configures the LLM provider behind the brain pipeline.
type BrainConfig struct {
	// Provider: "" (deterministic stub), "openai", or "anthropic"
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DataDir:           "/var/lib/praetor",
		LogLevel:          "info",
		SessionTTLMin:     60,
		ApprovalSigTTLMin: 30,
		RateLimit: RateLimitConfig{
			DefaultRPS: 5,
			Burst:      20,
		},
		Engine: EngineConfig{
			Workers:           8,
			AdapterTimeoutSec: 30,
			ApprovalWaitMin:   60,
		},
		K8s: K8sConfig{
			Mode:        "local",
			EnvLabelKey: "cluster.env",
		},
		OIDC:              oidc.DefaultConfig(),
		DefaultTenantName: "default",
		Billing: BillingConfig{
			SoftTokensDay:       200_000,
			HardTokensDay:       400_000,
			SoftTokensMonth:     6_000_000,
			HardTokensMonth:     12_000_000,
			SoftCostDay:         5,
			HardCostDay:         10,
			SoftCostMonth:       20,
			HardCostMonth:       50,
			SoftAdapterCallsDay: 1000,
			HardAdapterCallsDay: 2000,
			SoftAdapterCallsMon: 30_000,
			HardAdapterCallsMon: 60_000,
		},
		SLOTargetsPath: "deploy/slo/slo.yaml",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "PRAETOR_LISTEN_ADDR")
	setString(&cfg.DataDir, "PRAETOR_DATA_DIR")
	setString(&cfg.LogLevel, "PRAETOR_LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.AuditSecret, "AUDIT_HMAC_SECRET")
	setString(&cfg.ApprovalSecret, "APPROVAL_SECRET")
	setInt(&cfg.ApprovalSigTTLMin, "APPROVAL_SIG_TTL_MIN")
	setInt(&cfg.SessionTTLMin, "SESSION_TTL_MIN")
	setFloat(&cfg.RateLimit.DefaultRPS, "RATE_LIMIT_DEFAULT_RPS")
	setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST")
	setInt(&cfg.Engine.Workers, "ENGINE_WORKERS")
	setInt(&cfg.Engine.AdapterTimeoutSec, "ADAPTER_TIMEOUT_SEC")
	setInt(&cfg.Engine.ApprovalWaitMin, "APPROVAL_WAIT_MIN")
	setString(&cfg.K8s.Mode, "K8S_MODE")
	setString(&cfg.K8s.EnvLabelKey, "K8S_ENV_LABEL_KEY")
	setString(&cfg.K8s.EnvAllowed, "K8S_ENV_ALLOWED")
	if v := os.Getenv("K8S_NAMESPACE_ALLOWLIST"); v != "" {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err == nil {
			cfg.K8s.NamespaceAllowlist = list
		}
	}
	setBool(&cfg.SCIM.Enabled, "SCIM_ENABLED")
	setString(&cfg.SCIM.BearerToken, "SCIM_BEARER_TOKEN")
	if v := os.Getenv("SCIM_ROLE_MAP"); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			cfg.SCIM.RoleMap = m
		}
	}
	setBool(&cfg.Billing.Enabled, "BILLING_ENABLED")
	setInt64(&cfg.Billing.SoftTokensDay, "BILLING_SOFT_LIMIT_TOKENS_DAY")
	setInt64(&cfg.Billing.HardTokensDay, "BILLING_HARD_LIMIT_TOKENS_DAY")
	setInt64(&cfg.Billing.SoftTokensMonth, "BILLING_SOFT_LIMIT_TOKENS_MONTH")
	setInt64(&cfg.Billing.HardTokensMonth, "BILLING_HARD_LIMIT_TOKENS_MONTH")
	setFloat(&cfg.Billing.SoftCostDay, "BILLING_SOFT_LIMIT_COST_DAY")
	setFloat(&cfg.Billing.HardCostDay, "BILLING_HARD_LIMIT_COST_DAY")
	setFloat(&cfg.Billing.SoftCostMonth, "BILLING_SOFT_LIMIT_COST_MONTH")
	setFloat(&cfg.Billing.HardCostMonth, "BILLING_HARD_LIMIT_COST_MONTH")
	setInt64(&cfg.Billing.SoftAdapterCallsDay, "BILLING_SOFT_LIMIT_ADAPTER_CALLS_DAY")
	setInt64(&cfg.Billing.HardAdapterCallsDay, "BILLING_HARD_LIMIT_ADAPTER_CALLS_DAY")
	setInt64(&cfg.Billing.SoftAdapterCallsMon, "BILLING_SOFT_LIMIT_ADAPTER_CALLS_MONTH")
	setInt64(&cfg.Billing.HardAdapterCallsMon, "BILLING_HARD_LIMIT_ADAPTER_CALLS_MONTH")
	setString(&cfg.Billing.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&cfg.Billing.StripeCheckoutSecret, "STRIPE_CHECKOUT_SECRET")
	setString(&cfg.Brain.Provider, "BRAIN_PROVIDER")
	setString(&cfg.Brain.BaseURL, "BRAIN_BASE_URL")
	setString(&cfg.Brain.APIKey, "BRAIN_API_KEY")
	setString(&cfg.Brain.Model, "BRAIN_MODEL")
	setString(&cfg.DefaultTenantName, "DEFAULT_TENANT_NAME")
	setBool(&cfg.AutoCreateProjects, "AUTO_CREATE_PROJECTS")
	setInt(&cfg.AuditRetentionDays, "AUDIT_RETENTION_DAYS")
	setString(&cfg.SLOTargetsPath, "SLO_TARGETS_PATH")
	setString(&cfg.PrometheusURL, "PROMETHEUS_URL")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	cfg.OIDC = oidc.ApplyEnv(cfg.OIDC)

	// DATABASE_URL relocates the sqlite data directory.
	if cfg.DatabaseURL != "" {
		dir := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
		if dir != "" && !strings.Contains(dir, "://") {
			cfg.DataDir = dir
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasBrain reports whether a real LLM provider is configured.
func (c Config) HasBrain() bool {
	return c.Brain.Provider != ""
}
