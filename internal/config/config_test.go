// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "super-secret"
  token_ttl: "12h"

model:
  api_key: "test-key"
  model: "gemini-2.5-flash"
  coder_model: "gemini-2.5-pro"
  temperature: 0.4
  max_output_tokens: 4096
  request_timeout: "90s"

prompts:
  path: "./prompts.toml"

limits:
  max_tree_depth: 6
  max_context_nodes: 8
  dedupe_ttl: "45s"
  dedupe_size: 5000

cors:
  origins:
    - "http://localhost:5173"
    - "https://study.example.com"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "super-secret")
	}
	if cfg.Auth.TokenTTL != 12*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 12*time.Hour)
	}

	if cfg.Model.APIKey != "test-key" {
		t.Errorf("Model.APIKey = %q, want %q", cfg.Model.APIKey, "test-key")
	}
	if cfg.Model.CoderModel != "gemini-2.5-pro" {
		t.Errorf("Model.CoderModel = %q, want %q", cfg.Model.CoderModel, "gemini-2.5-pro")
	}
	if cfg.Model.Temperature != 0.4 {
		t.Errorf("Model.Temperature = %v, want 0.4", cfg.Model.Temperature)
	}
	if cfg.Model.MaxOutputTokens != 4096 {
		t.Errorf("Model.MaxOutputTokens = %d, want 4096", cfg.Model.MaxOutputTokens)
	}
	if cfg.Model.RequestTimeout != 90*time.Second {
		t.Errorf("Model.RequestTimeout = %v, want %v", cfg.Model.RequestTimeout, 90*time.Second)
	}

	if cfg.Prompts.Path != "./prompts.toml" {
		t.Errorf("Prompts.Path = %q, want %q", cfg.Prompts.Path, "./prompts.toml")
	}

	if cfg.Limits.MaxTreeDepth != 6 {
		t.Errorf("Limits.MaxTreeDepth = %d, want 6", cfg.Limits.MaxTreeDepth)
	}
	if cfg.Limits.MaxContextNodes != 8 {
		t.Errorf("Limits.MaxContextNodes = %d, want 8", cfg.Limits.MaxContextNodes)
	}
	if cfg.Limits.DedupeTTL != 45*time.Second {
		t.Errorf("Limits.DedupeTTL = %v, want %v", cfg.Limits.DedupeTTL, 45*time.Second)
	}
	if cfg.Limits.DedupeSize != 5000 {
		t.Errorf("Limits.DedupeSize = %d, want 5000", cfg.Limits.DedupeSize)
	}

	if len(cfg.CORS.Origins) != 2 {
		t.Errorf("CORS.Origins len = %d, want 2", len(cfg.CORS.Origins))
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  disabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want default 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Model.Model != "gemini-2.5-flash" {
		t.Errorf("Model.Model = %q, want default gemini-2.5-flash", cfg.Model.Model)
	}
	if cfg.Model.Temperature != 0.7 {
		t.Errorf("Model.Temperature = %v, want default 0.7", cfg.Model.Temperature)
	}
	if cfg.Model.RequestTimeout != 2*time.Minute {
		t.Errorf("Model.RequestTimeout = %v, want default 2m", cfg.Model.RequestTimeout)
	}
	if cfg.Limits.MaxTreeDepth != 10 {
		t.Errorf("Limits.MaxTreeDepth = %d, want default 10", cfg.Limits.MaxTreeDepth)
	}
	if cfg.Limits.MaxContextNodes != 10 {
		t.Errorf("Limits.MaxContextNodes = %d, want default 10", cfg.Limits.MaxContextNodes)
	}
	if cfg.Limits.DedupeTTL != 30*time.Second {
		t.Errorf("Limits.DedupeTTL = %v, want default 30s", cfg.Limits.DedupeTTL)
	}
	if cfg.Limits.DedupeSize != 10_000 {
		t.Errorf("Limits.DedupeSize = %d, want default 10000", cfg.Limits.DedupeSize)
	}
	if len(cfg.CORS.Origins) != 1 || cfg.CORS.Origins[0] != "*" {
		t.Errorf("CORS.Origins = %v, want default [*]", cfg.CORS.Origins)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default text", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "secret-from-env")
	t.Setenv("TEST_API_KEY", "key-from-env")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
model:
  api_key: "${TEST_API_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
	if cfg.Model.APIKey != "key-from-env" {
		t.Errorf("Model.APIKey = %q, want %q", cfg.Model.APIKey, "key-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  disabled: true
model:
  api_key: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Model.APIKey != "" {
		t.Errorf("Model.APIKey = %q, want empty string for unset env var", cfg.Model.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() = nil error for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() = nil error for malformed YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  disabled: true
  token_ttl: "invalid-duration"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() = nil error for an unparseable duration")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name       string
		yaml       string
		wantSubstr string
	}{
		{
			name: "missing http_addr",
			yaml: `
server:
  http_addr: ""
database:
  path: "./test.db"
auth:
  disabled: true
`,
			wantSubstr: "server.http_addr is required",
		},
		{
			name: "missing database path",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: ""
auth:
  disabled: true
`,
			wantSubstr: "database.path is required",
		},
		{
			name: "missing jwt secret with auth enabled",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
`,
			wantSubstr: "auth.jwt_secret is required",
		},
		{
			name: "temperature out of range",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  disabled: true
model:
  temperature: 3.5
`,
			wantSubstr: "model.temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("Load() = nil error, want mention of %q", tt.wantSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("Load() error = %q, want mention of %q", err, tt.wantSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DS_REGION", "eu-west")
	t.Setenv("DS_SECRET", "s3cr3t")

	cases := [][2]string{
		{"${DS_REGION}", "eu-west"},
		{"key=${DS_SECRET}!", "key=s3cr3t!"},
		{"${DS_REGION}/${DS_SECRET}", "eu-west/s3cr3t"},
		{"plain text, no refs", "plain text, no refs"},
		{"${DS_NEVER_SET_ANYWHERE}", ""},
		{"", ""},
	}

	for _, c := range cases {
		if got := expandEnvVars(c[0]); got != c[1] {
			t.Errorf("expandEnvVars(%q) = %q, want %q", c[0], got, c[1])
		}
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantErr    bool
		wantSubstr string
	}{
		{
			name: "tailscale enabled allows empty server address",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "deepstudy"},
				Database:  DatabaseConfig{Path: "./test.db"},
				Auth:      AuthConfig{Disabled: true},
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled requires hostname",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true, Hostname: ""},
				Database:  DatabaseConfig{Path: "./test.db"},
				Auth:      AuthConfig{Disabled: true},
			},
			wantErr:    true,
			wantSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires server address",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: false, Hostname: "deepstudy"},
				Database:  DatabaseConfig{Path: "./test.db"},
				Auth:      AuthConfig{Disabled: true},
			},
			wantErr:    true,
			wantSubstr: "server.http_addr is required",
		},
		{
			name: "tailscale with all options set",
			cfg: Config{
				Tailscale: TailscaleConfig{
					Enabled:   true,
					Hostname:  "deepstudy",
					AuthKey:   "tskey-auth-xxx",
					StateDir:  "/tmp/ts-state",
					Ephemeral: true,
					HTTPS:     true,
					Funnel:    true,
				},
				Database: DatabaseConfig{Path: "./test.db"},
				Auth:     AuthConfig{Disabled: true},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			switch {
			case !tt.wantErr:
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			case err == nil:
				t.Errorf("Validate() = nil error, want mention of %q", tt.wantSubstr)
			case !strings.Contains(err.Error(), tt.wantSubstr):
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.wantSubstr)
			}
		})
	}
}
