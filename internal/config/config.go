// Package config handles loading and validating ActionGate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ActionGate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.actiongate/data. Override: ACTIONGATE_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Tool          ToolConfig           `json:"tool" yaml:"tool"`
	Filter        FilterConfig         `json:"filter" yaml:"filter"`
	Retry         RetryConfig          `json:"retry" yaml:"retry"`
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Catalog       []CatalogEntry       `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Customer      *CustomerConfig      `json:"customer,omitempty" yaml:"customer,omitempty"`           // nil = customer lookups report unavailable
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data_dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// ToolConfig configures the HTTP tool invoker.
type ToolConfig struct {
	BaseURL          string            `json:"base_url" yaml:"base_url"`                     // Default: http://localhost:8000. Override: ACTIONGATE_TOOL_BASE_URL.
	TimeoutSeconds   int               `json:"timeout_seconds" yaml:"timeout_seconds"`       // Per-call timeout. Default: 10.
	MaxResponseBytes int64             `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 1 MB.
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`   // Sent with every tool call.
}

// Timeout returns the per-call timeout with a default of 10s.
func (t ToolConfig) Timeout() time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// FilterConfig configures sensitive data detection.
type FilterConfig struct {
	PatternsFile string `json:"patterns_file,omitempty" yaml:"patterns_file,omitempty"` // YAML pattern list. Empty = built-in patterns.
}

// RetryConfig holds the default retry policy for actions that declare none.
type RetryConfig struct {
	DefaultRetries int    `json:"default_retries" yaml:"default_retries"` // Default: 0.
	DefaultDelay   string `json:"default_delay" yaml:"default_delay"`     // Go duration, e.g. "2s". Default: 0.
}

// Delay parses DefaultDelay. Invalid values were rejected by validate.
func (r RetryConfig) Delay() time.Duration {
	d, _ := time.ParseDuration(r.DefaultDelay)
	return d
}

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs" yaml:"max_concurrent_runs"` // 0 = unbounded.
	RunTimeoutSeconds int `json:"run_timeout_seconds" yaml:"run_timeout_seconds"` // 0 = no overall deadline.
	RunRetentionHours int `json:"run_retention_hours" yaml:"run_retention_hours"` // Finished runs kept in memory. Default: 24.
}

// RunTimeout returns the overall run deadline, or 0 for none.
func (p PipelineConfig) RunTimeout() time.Duration {
	if p.RunTimeoutSeconds > 0 {
		return time.Duration(p.RunTimeoutSeconds) * time.Second
	}
	return 0
}

// RunRetention returns how long finished runs stay queryable in memory.
func (p PipelineConfig) RunRetention() time.Duration {
	if p.RunRetentionHours > 0 {
		return time.Duration(p.RunRetentionHours) * time.Hour
	}
	return 24 * time.Hour
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	Provider            string              `json:"provider" yaml:"provider"`                           // "manager" (default), "console" or "auto".
	MinRisk             string              `json:"min_risk" yaml:"min_risk"`                           // Lowest risk level requiring approval. Default: "high".
	TTLSeconds          int                 `json:"ttl_seconds" yaml:"ttl_seconds"`                     // How long approvals stay pending. 0 = 300s (5 min).
	CleanupSchedule     string              `json:"cleanup_schedule" yaml:"cleanup_schedule"`           // Cron spec for the expiry sweep. Default: "@every 1m".
	RetainResolvedHours int                 `json:"retain_resolved_hours" yaml:"retain_resolved_hours"` // Resolved approvals older than this are purged. Default: 168.
	WebhookURL          string              `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"` // Notified on each pending approval. Override: ACTIONGATE_APPROVAL_WEBHOOK_URL.
	AutoApproval        *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
}

// ProviderName returns the configured provider with a default of "manager".
func (a ApprovalConfig) ProviderName() string {
	if a.Provider != "" {
		return a.Provider
	}
	return "manager"
}

// TTL returns the approval TTL with a default of 5m.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Schedule returns the cleanup cron spec with a default of "@every 1m".
func (a ApprovalConfig) Schedule() string {
	if a.CleanupSchedule != "" {
		return a.CleanupSchedule
	}
	return "@every 1m"
}

// RetainResolved returns the retention for resolved approvals with a default of 7 days.
func (a ApprovalConfig) RetainResolved() time.Duration {
	if a.RetainResolvedHours > 0 {
		return time.Duration(a.RetainResolvedHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// AutoApprovalConfig controls pattern-based automatic approval.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	MaxAutoApprovals  int      `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per user per hour. Default: 10.
	AllowedEndpoints  []string `json:"allowed_endpoints" yaml:"allowed_endpoints"`   // Endpoint prefixes eligible for auto-approval.
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// PolicyConfig restricts which actions may run and which need approval.
type PolicyConfig struct {
	RequireApprovalCategories []string `json:"require_approval_categories,omitempty" yaml:"require_approval_categories,omitempty"`
	RequireApprovalEndpoints  []string `json:"require_approval_endpoints,omitempty" yaml:"require_approval_endpoints,omitempty"` // Prefixes.
	AllowedEndpoints          []string `json:"allowed_endpoints,omitempty" yaml:"allowed_endpoints,omitempty"`                   // Prefixes. Empty = all.
	DeniedEndpoints           []string `json:"denied_endpoints,omitempty" yaml:"denied_endpoints,omitempty"`                     // Prefixes.
	AllowedMethods            []string `json:"allowed_methods,omitempty" yaml:"allowed_methods,omitempty"`                       // Empty = all supported.
}

// CatalogEntry declares a named action. RetryPolicy accepts either the
// compact JSON string form or a mapping with retries and delay.
type CatalogEntry struct {
	Name        string            `json:"name" yaml:"name"`
	Method      string            `json:"method" yaml:"method"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	RetryPolicy any               `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	RiskLevel   string            `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// CustomerConfig configures the customer information API.
type CustomerConfig struct {
	APIURL         string `json:"api_url" yaml:"api_url"`                 // Override: CUSTOMER_API_URL.
	APIToken       string `json:"api_token,omitempty" yaml:"api_token"`   // Override: CUSTOMER_API_TOKEN.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
}

// Timeout returns the lookup timeout with a default of 10s.
func (c *CustomerConfig) Timeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: ACTIONGATE_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "actiongate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based detection of failing tool endpoints.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	CLI       *CLIGatewayConfig       `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Reviewer approval channel.
}

// CLIGatewayConfig configures the interactive reviewer console.
type CLIGatewayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// WebSocketGatewayConfig configures the WebSocket endpoint reviewers connect to.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/ws/approvals".
	ReviewerToken            string `json:"reviewer_token" yaml:"reviewer_token"`                         // Shared token for reviewer authentication.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/ws/approvals".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/approvals"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.actiongate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/actiongate.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".actiongate", "config.yaml")
}

// Default returns a configuration with every default applied, used when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ACTIONGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ACTIONGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ACTIONGATE_TOOL_BASE_URL"); v != "" {
		cfg.Tool.BaseURL = v
	}
	if v := os.Getenv("ACTIONGATE_APPROVAL_WEBHOOK_URL"); v != "" {
		cfg.Approval.WebhookURL = v
	}
	if v := os.Getenv("ACTIONGATE_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("CUSTOMER_API_URL"); v != "" {
		if cfg.Customer == nil {
			cfg.Customer = &CustomerConfig{}
		}
		cfg.Customer.APIURL = v
	}
	if v := os.Getenv("CUSTOMER_API_TOKEN"); v != "" {
		if cfg.Customer == nil {
			cfg.Customer = &CustomerConfig{}
		}
		cfg.Customer.APIToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".actiongate", "data")
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Tool.BaseURL == "" {
		cfg.Tool.BaseURL = "http://localhost:8000"
	}
	if cfg.Approval.MinRisk == "" {
		cfg.Approval.MinRisk = "high"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".actiongate", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "actiongate.db")
}

// AuditLogPath returns the default audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if !strings.HasPrefix(c.Tool.BaseURL, "http://") && !strings.HasPrefix(c.Tool.BaseURL, "https://") {
		return fmt.Errorf("tool.base_url must be an http(s) URL")
	}
	if c.Tool.TimeoutSeconds < 0 {
		return fmt.Errorf("tool.timeout_seconds must not be negative")
	}
	if c.Retry.DefaultRetries < 0 {
		return fmt.Errorf("retry.default_retries must not be negative")
	}
	if c.Retry.DefaultDelay != "" {
		d, err := time.ParseDuration(c.Retry.DefaultDelay)
		if err != nil {
			return fmt.Errorf("retry.default_delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("retry.default_delay must not be negative")
		}
	}
	if c.Pipeline.MaxConcurrentRuns < 0 {
		return fmt.Errorf("pipeline.max_concurrent_runs must not be negative")
	}
	switch c.Approval.ProviderName() {
	case "manager", "console", "auto":
	default:
		return fmt.Errorf("approval.provider %q is not supported (use manager, console or auto)", c.Approval.Provider)
	}
	switch strings.ToLower(c.Approval.MinRisk) {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("approval.min_risk %q is not a risk level", c.Approval.MinRisk)
	}
	if c.Approval.ProviderName() == "auto" && (c.Approval.AutoApproval == nil || !c.Approval.AutoApproval.Enabled) {
		return fmt.Errorf("approval.provider=auto requires approval.auto_approval.enabled")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	names := make(map[string]bool, len(c.Catalog))
	for i, e := range c.Catalog {
		if e.Name == "" {
			return fmt.Errorf("catalog[%d].name is required", i)
		}
		if names[e.Name] {
			return fmt.Errorf("catalog[%d]: duplicate action name %q", i, e.Name)
		}
		names[e.Name] = true
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled && len(h.APIKeyUserMapping) == 0 {
		return fmt.Errorf("gateways.http.api_key_user_mapping must contain at least one key when enabled")
	}
	return nil
}
