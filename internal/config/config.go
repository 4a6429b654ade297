// ABOUTME: Configuration loading and parsing for the DeepStudy gateway
// ABOUTME: YAML with ${VAR} expansion, raw duration strings, defaults, and validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration tree, one struct per YAML section.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Model     ModelConfig     `yaml:"model"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Limits    LimitsConfig    `yaml:"limits"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the plain HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig controls the optional embedded tsnet node.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token settings and the single-user escape hatch.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"` // single-user mode, no tokens required

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// ModelConfig holds language model provider configuration.
// An empty api_key selects the offline canned-answer provider,
// which is useful for development without network access.
type ModelConfig struct {
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	CoderModel      string  `yaml:"coder_model"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// PromptsConfig points at an optional prompt catalog override file.
// When empty the embedded catalog is used.
type PromptsConfig struct {
	Path string `yaml:"path"`
}

// LimitsConfig holds conversation shape and rate limits
type LimitsConfig struct {
	MaxTreeDepth    int `yaml:"max_tree_depth"`
	MaxContextNodes int `yaml:"max_context_nodes"`
	DedupeSize      int `yaml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// CORSConfig holds cross-origin configuration for browser frontends
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, and validates the config file at path. ${VAR}
// references are replaced from the environment before the YAML is parsed,
// then raw duration strings are converted and defaults filled in.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars substitutes ${VAR} references with environment values.
// Unset variables become empty strings; a bare $VAR is left untouched so
// literal dollar signs in values survive.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// applyDefaults fills in values for settings the file left unset.
func (c *Config) applyDefaults() {
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Model.Model == "" {
		c.Model.Model = "gemini-2.5-flash"
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.RequestTimeout == 0 {
		c.Model.RequestTimeout = 2 * time.Minute
	}
	if c.Limits.MaxTreeDepth == 0 {
		c.Limits.MaxTreeDepth = 10
	}
	if c.Limits.MaxContextNodes == 0 {
		c.Limits.MaxContextNodes = 10
	}
	if c.Limits.DedupeTTL == 0 {
		c.Limits.DedupeTTL = 30 * time.Second
	}
	if c.Limits.DedupeSize == 0 {
		c.Limits.DedupeSize = 10_000
	}
	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate reports the first problem that would keep the gateway from
// starting, with the offending YAML key in the message.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set auth.disabled)")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	return nil
}

// parseDurations converts each raw duration string into its typed field.
func (c *Config) parseDurations() error {
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"auth.token_ttl", c.Auth.TokenTTLRaw, &c.Auth.TokenTTL},
		{"model.request_timeout", c.Model.RequestTimeoutRaw, &c.Model.RequestTimeout},
		{"limits.dedupe_ttl", c.Limits.DedupeTTLRaw, &c.Limits.DedupeTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}
