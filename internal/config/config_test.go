package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- Load ---

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
tool:
  base_url: http://tools.internal:9000
  timeout_seconds: 3
retry:
  default_retries: 2
  default_delay: 500ms
approval:
  provider: console
  min_risk: medium
catalog:
  - name: get_balance
    method: GET
    endpoint: /accounts/{id}/balance
    retry_policy:
      retries: 1
      delay: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tool.BaseURL != "http://tools.internal:9000" || cfg.Tool.Timeout() != 3*time.Second {
		t.Errorf("tool = %+v", cfg.Tool)
	}
	if cfg.Retry.DefaultRetries != 2 || cfg.Retry.Delay() != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Approval.ProviderName() != "console" || cfg.Approval.MinRisk != "medium" {
		t.Errorf("approval = %+v", cfg.Approval)
	}
	if len(cfg.Catalog) != 1 || cfg.Catalog[0].RetryPolicy == nil {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.LogLevel)
	}
}

func TestLoad_JSONDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tool.BaseURL != "http://localhost:8000" {
		t.Errorf("base url default = %q", cfg.Tool.BaseURL)
	}
	if cfg.Tool.Timeout() != 10*time.Second {
		t.Errorf("timeout default = %s", cfg.Tool.Timeout())
	}
	if cfg.Approval.MinRisk != "high" || cfg.Approval.ProviderName() != "manager" {
		t.Errorf("approval defaults = %+v", cfg.Approval)
	}
	if cfg.Approval.TTL() != 5*time.Minute || cfg.Approval.Schedule() != "@every 1m" {
		t.Errorf("approval ttl/schedule defaults wrong")
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("storage driver = %q", cfg.StorageDriverName())
	}
	if cfg.Customer.Timeout() != 10*time.Second {
		t.Errorf("nil customer timeout = %s", cfg.Customer.Timeout())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ACTIONGATE_TOOL_BASE_URL", "https://override.example")
	t.Setenv("CUSTOMER_API_URL", "https://crm.example/api/customers")
	t.Setenv("CUSTOMER_API_TOKEN", "secret")
	t.Setenv("ACTIONGATE_DB_DSN", "postgres://u:p@localhost/db")

	cfg, err := Load(writeConfig(t, "c.yaml", "tool:\n  base_url: http://ignored\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tool.BaseURL != "https://override.example" {
		t.Errorf("base url = %q", cfg.Tool.BaseURL)
	}
	if cfg.Customer == nil || cfg.Customer.APIURL != "https://crm.example/api/customers" || cfg.Customer.APIToken != "secret" {
		t.Errorf("customer = %+v", cfg.Customer)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad log level", "log_level: loud\n", "log_level"},
		{"bad base url", "tool:\n  base_url: ftp://x\n", "base_url"},
		{"negative retries", "retry:\n  default_retries: -1\n", "default_retries"},
		{"bad delay", "retry:\n  default_delay: soon\n", "default_delay"},
		{"bad provider", "approval:\n  provider: slack\n", "approval.provider"},
		{"bad min risk", "approval:\n  min_risk: extreme\n", "min_risk"},
		{"auto without config", "approval:\n  provider: auto\n", "auto_approval"},
		{"bad driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"catalog without name", "catalog:\n  - method: GET\n", "catalog[0].name"},
		{"duplicate catalog", "catalog:\n  - name: a\n  - name: a\n", "duplicate"},
		{"http without keys", "gateways:\n  http:\n    enabled: true\n", "api_key_user_mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- Helpers ---

func TestWebSocketDefaults(t *testing.T) {
	var ws *WebSocketGatewayConfig
	if ws.WSPath() != "/ws/approvals" || ws.WSHeartbeatInterval() != 30*time.Second {
		t.Error("nil websocket config must yield defaults")
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	if filepath.Base(cfg.DatabasePath()) != "actiongate.db" {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
	if filepath.Base(cfg.AuditLogPath()) != "audit.jsonl" {
		t.Errorf("audit path = %q", cfg.AuditLogPath())
	}
}
