package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGatewayFromYAMLAndEnv_LoadsYAMLAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDBDSN, "postgres://env/override")
	t.Setenv(EnvSessionLimit, "7")

	configPath := writeConfigFile(t, `
version: 1
log:
  level: debug
  format: json
gateway:
  http_addr: "127.0.0.1:7070"
  api_key: "yaml-key"
  store: "postgres"
  db_dsn: "postgres://yaml/db"
  working_directory: "/srv/repo"
  steps_file: "/etc/untethered/steps.yaml"
  history_budget_bytes: 2048
  session_limit: 20
  webhook:
    url: "https://hooks.example/run"
    secret: "s3cret"
`)
	t.Setenv(EnvConfigFile, configPath)

	cfg, err := GatewayFromYAMLAndEnv()
	if err != nil {
		t.Fatalf("GatewayFromYAMLAndEnv failed: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:7070" {
		t.Fatalf("unexpected HTTP addr %q", cfg.HTTPAddr)
	}
	if cfg.APIKey != "yaml-key" {
		t.Fatalf("unexpected api key %q", cfg.APIKey)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("unexpected store %q", cfg.Store)
	}
	if cfg.DBDSN != "postgres://env/override" {
		t.Fatalf("expected env DB DSN override, got %q", cfg.DBDSN)
	}
	if cfg.WorkingDirectory != "/srv/repo" || cfg.StepsFile != "/etc/untethered/steps.yaml" {
		t.Fatalf("unexpected paths %q %q", cfg.WorkingDirectory, cfg.StepsFile)
	}
	if cfg.HistoryBudget != 2048 {
		t.Fatalf("unexpected history budget %d", cfg.HistoryBudget)
	}
	if cfg.SessionLimit != 7 {
		t.Fatalf("expected env session limit override, got %d", cfg.SessionLimit)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected log settings %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.WebhookURL != "https://hooks.example/run" || cfg.WebhookSecret != "s3cret" {
		t.Fatalf("unexpected webhook settings")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestGatewayFromYAMLAndEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := GatewayFromYAMLAndEnv()
	if err != nil {
		t.Fatalf("GatewayFromYAMLAndEnv failed: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected default addr %q", cfg.HTTPAddr)
	}
	if cfg.Store != StoreSQLite || cfg.Agent != "claude" {
		t.Fatalf("unexpected defaults %q %q", cfg.Store, cfg.Agent)
	}
	if cfg.HistoryBudget != defaultHistoryBudgetBytes || cfg.SessionLimit != defaultSessionLimit {
		t.Fatalf("unexpected limits %d %d", cfg.HistoryBudget, cfg.SessionLimit)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), EnvAPIKey) {
		t.Fatalf("expected missing api key error, got %v", err)
	}
}

func TestGatewayFromYAMLAndEnv_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := GatewayFromYAMLAndEnv(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestGatewayFromYAMLAndEnv_BadYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, writeConfigFile(t, "gateway: [unterminated"))

	_, err := GatewayFromYAMLAndEnv()
	if err == nil || !strings.Contains(err.Error(), "decode config file") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestGatewayConfigValidate(t *testing.T) {
	base := defaultGatewayConfig()
	base.APIKey = "k"

	tests := []struct {
		name    string
		mutate  func(*GatewayConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*GatewayConfig) {}},
		{name: "memory store", mutate: func(c *GatewayConfig) { c.Store = StoreMemory }},
		{name: "unknown store", mutate: func(c *GatewayConfig) { c.Store = "redis" }, wantErr: "unsupported"},
		{name: "postgres without dsn", mutate: func(c *GatewayConfig) { c.Store = StorePostgres }, wantErr: EnvDBDSN},
		{name: "zero budget", mutate: func(c *GatewayConfig) { c.HistoryBudget = 0 }, wantErr: EnvHistoryBudget},
		{name: "half discord", mutate: func(c *GatewayConfig) { c.DiscordBotToken = "tok" }, wantErr: EnvDiscordChannelID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	cfg := GatewayConfig{DataDir: "/var/lib/untethered"}
	if got := cfg.SQLiteDSN(); got != filepath.Join("/var/lib/untethered", "untethered.db") {
		t.Fatalf("unexpected dsn %q", got)
	}
	cfg.DBDSN = "file::memory:"
	if got := cfg.SQLiteDSN(); got != "file::memory:" {
		t.Fatalf("expected explicit dsn, got %q", got)
	}
}

func TestClientFromYAMLAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvGreetingTimeout, "3s")

	configPath := writeConfigFile(t, `
gateway:
  api_key: "shared-key"
client:
  gateway_ws_url: "wss://gw.example/ws"
  session_limit: 5
  auth_timeout: "4s"
  max_reconnect_attempts: 0
`)
	t.Setenv(EnvConfigFile, configPath)

	cfg, err := ClientFromYAMLAndEnv()
	if err != nil {
		t.Fatalf("ClientFromYAMLAndEnv failed: %v", err)
	}
	if cfg.APIKey != "shared-key" {
		t.Fatalf("expected gateway key fallback, got %q", cfg.APIKey)
	}
	if cfg.GreetingTimeout != 3*time.Second || cfg.AuthTimeout != 4*time.Second {
		t.Fatalf("unexpected timeouts %s %s", cfg.GreetingTimeout, cfg.AuthTimeout)
	}
	if cfg.MaxReconnectAttempts != 0 {
		t.Fatalf("expected reconnects disabled, got %d", cfg.MaxReconnectAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid client config, got %v", err)
	}

	conn := cfg.ConnectionConfig()
	if conn.URL != "wss://gw.example/ws" || conn.SessionLimit != 5 || conn.Backoff.MaxAttempts != 0 {
		t.Fatalf("unexpected connection config %+v", conn)
	}
	if err := conn.Validate(); err != nil {
		t.Fatalf("connection config invalid: %v", err)
	}
}

func TestClientFromYAMLAndEnv_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, writeConfigFile(t, `
client:
  greeting_timeout: "soon"
`))

	_, err := ClientFromYAMLAndEnv()
	if err == nil || !strings.Contains(err.Error(), "client.greeting_timeout") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestClientConfigValidateRejectsHTTPURL(t *testing.T) {
	cfg := defaultClientConfig()
	cfg.APIKey = "k"
	cfg.GatewayWSURL = "http://127.0.0.1:8080/ws"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ResolvePath("~/steps.yaml"); got != filepath.Join(home, "steps.yaml") {
		t.Fatalf("unexpected expanded path %q", got)
	}
	if got := ResolvePath("/abs/path"); got != "/abs/path" {
		t.Fatalf("unexpected abs path %q", got)
	}
	if got := ResolvePath(".untethered/data"); got != filepath.Join(home, ".untethered", "data") {
		t.Fatalf("unexpected rooted path %q", got)
	}
	if got := ResolvePath("  "); got != "" {
		t.Fatalf("expected empty path, got %q", got)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		EnvConfigFile, EnvHTTPAddr, EnvAPIKey, EnvStore, EnvDBDSN, EnvDataDir,
		EnvWorkingDirectory, EnvStepsFile, EnvAgent, EnvClaudeBinary,
		EnvHistoryBudget, EnvSessionLimit, EnvLogLevel, EnvLogFormat,
		EnvWebhookURL, EnvWebhookSecret, EnvDiscordBotToken, EnvDiscordChannelID,
		EnvGatewayWSURL, EnvClientAPIKey, EnvClientSessionLimit,
		EnvGreetingTimeout, EnvAuthTimeout, EnvMaxReconnectAttempts,
	} {
		t.Setenv(key, "")
	}
}
