// Package config loads gateway configuration from an optional YAML file and
// PROXYCAST_ environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: PROXYCAST_SERVER__PORT sets server.port.
const EnvPrefix = "PROXYCAST_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Logging     LoggingConfig      `koanf:"logging"`
	Backend     BackendConfig      `koanf:"backend"`
	Credentials []CredentialConfig `koanf:"credentials"`
	Proxy       ProxyConfig        `koanf:"proxy"`
	Resilience  ResilienceConfig   `koanf:"resilience"`
	Telemetry   TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`

	// RequestTimeout bounds a whole HTTP request, streaming included.
	// 0 disables the middleware timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// APIKeys lists the SHA-256 hashes of client keys accepted on /v1.
	// An empty list leaves the API open.
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type BackendConfig struct {
	// BaseURL overrides the endpoint derived from Region.
	BaseURL   string            `koanf:"base_url"`
	Region    string            `koanf:"region"`
	UserAgent string            `koanf:"user_agent"`
	Models    map[string]string `koanf:"models"` // client model → backend model ID
}

// Endpoint returns the backend base URL.
func (b BackendConfig) Endpoint() string {
	if b.BaseURL != "" {
		return b.BaseURL
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", b.Region)
}

type CredentialConfig struct {
	ID         string `koanf:"id"`
	Token      string `koanf:"token"`
	ProfileARN string `koanf:"profile_arn"`
	ProxyURL   string `koanf:"proxy_url"` // overrides proxy.url for this credential
}

type ProxyConfig struct {
	URL            string        `koanf:"url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	HeaderTimeout  time.Duration `koanf:"header_timeout"`
}

type ResilienceConfig struct {
	Retry    RetryConfig    `koanf:"retry"`
	Failover FailoverConfig `koanf:"failover"`
	Timeout  TimeoutConfig  `koanf:"timeout"`
}

type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	BaseDelay       time.Duration `koanf:"base_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	RetryableStatus []int         `koanf:"retryable_status"`
}

type FailoverConfig struct {
	AutoSwitch    bool     `koanf:"auto_switch"`
	SwitchOnQuota bool     `koanf:"switch_on_quota"`
	QuotaStatus   []int    `koanf:"quota_status"`
	QuotaKeywords []string `koanf:"quota_keywords"`
}

type TimeoutConfig struct {
	Request    time.Duration `koanf:"request"`     // 0 disables
	StreamIdle time.Duration `koanf:"stream_idle"` // 0 disables
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Tracing     bool   `koanf:"tracing"`
	Metrics     bool   `koanf:"metrics"`
}

var defaults = map[string]any{
	"server.port":                         8080,
	"server.request_timeout":              "15m",
	"logging.level":                       "info",
	"logging.format":                      "json",
	"backend.region":                      "us-east-1",
	"backend.user_agent":                  "proxycast-gateway",
	"proxy.connect_timeout":               "30s",
	"proxy.header_timeout":                "2m",
	"resilience.retry.max_attempts":       3,
	"resilience.retry.base_delay":         "1s",
	"resilience.retry.max_delay":          "30s",
	"resilience.failover.auto_switch":     true,
	"resilience.failover.switch_on_quota": true,
	"resilience.timeout.request":          "10m",
	"resilience.timeout.stream_idle":      "60s",
	"telemetry.service_name":              "proxycast-gateway",
	"telemetry.metrics":                   true,
}

// Load reads path (DefaultPath when empty), then applies environment
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Credentials {
		c := &cfg.Credentials[i]
		c.Token = substituteEnvVars(c.Token)
		c.ProfileARN = substituteEnvVars(c.ProfileARN)
		c.ProxyURL = substituteEnvVars(c.ProxyURL)
	}
	cfg.Proxy.URL = substituteEnvVars(cfg.Proxy.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Resilience.Retry.MaxAttempts < 1 {
		return fmt.Errorf("resilience.retry.max_attempts must be at least 1, got %d", c.Resilience.Retry.MaxAttempts)
	}
	if c.Resilience.Retry.MaxDelay < c.Resilience.Retry.BaseDelay {
		return fmt.Errorf("resilience.retry.max_delay %s is below base_delay %s", c.Resilience.Retry.MaxDelay, c.Resilience.Retry.BaseDelay)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// substituteEnvVars expands ${VAR} references. Unset variables expand to
// the empty string.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
