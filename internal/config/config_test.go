package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
			t.Errorf("logging = %+v", cfg.Logging)
		}
		r := cfg.Resilience
		if r.Retry.MaxAttempts != 3 || r.Retry.BaseDelay != time.Second || r.Retry.MaxDelay != 30*time.Second {
			t.Errorf("retry = %+v", r.Retry)
		}
		if !r.Failover.AutoSwitch || !r.Failover.SwitchOnQuota {
			t.Errorf("failover = %+v", r.Failover)
		}
		if r.Timeout.Request != 10*time.Minute || r.Timeout.StreamIdle != time.Minute {
			t.Errorf("timeout = %+v", r.Timeout)
		}
		if got := cfg.Backend.Endpoint(); got != "https://codewhisperer.us-east-1.amazonaws.com" {
			t.Errorf("Endpoint() = %q", got)
		}
		if len(cfg.Credentials) != 0 {
			t.Errorf("credentials = %+v", cfg.Credentials)
		}
	})

	t.Run("file", func(t *testing.T) {
		t.Setenv("TEST_TOKEN_A", "secret-a")
		path := writeConfig(t, `
server:
  port: 9090
backend:
  base_url: https://backend.test
  models:
    my-model: CLAUDE_SONNET_4_5_20250929_V1_0
credentials:
  - id: primary
    token: ${TEST_TOKEN_A}
    profile_arn: arn:aws:codewhisperer:us-east-1:1:profile/A
  - id: backup
    token: literal
    proxy_url: socks5://127.0.0.1:1080
proxy:
  url: http://proxy.local:8080
resilience:
  retry:
    max_attempts: 5
    base_delay: 250ms
    retryable_status: [500, 503]
  failover:
    auto_switch: false
  timeout:
    stream_idle: 0s
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("port = %d", cfg.Server.Port)
		}
		if got := cfg.Backend.Endpoint(); got != "https://backend.test" {
			t.Errorf("Endpoint() = %q", got)
		}
		if cfg.Backend.Models["my-model"] != "CLAUDE_SONNET_4_5_20250929_V1_0" {
			t.Errorf("models = %v", cfg.Backend.Models)
		}
		if len(cfg.Credentials) != 2 {
			t.Fatalf("credentials = %+v", cfg.Credentials)
		}
		if cfg.Credentials[0].Token != "secret-a" || cfg.Credentials[0].ID != "primary" {
			t.Errorf("credentials[0] = %+v", cfg.Credentials[0])
		}
		if cfg.Credentials[1].ProxyURL != "socks5://127.0.0.1:1080" {
			t.Errorf("credentials[1] = %+v", cfg.Credentials[1])
		}
		if cfg.Proxy.URL != "http://proxy.local:8080" || cfg.Proxy.ConnectTimeout != 30*time.Second {
			t.Errorf("proxy = %+v", cfg.Proxy)
		}

		r := cfg.Resilience
		if r.Retry.MaxAttempts != 5 || r.Retry.BaseDelay != 250*time.Millisecond {
			t.Errorf("retry = %+v", r.Retry)
		}
		if len(r.Retry.RetryableStatus) != 2 || r.Retry.RetryableStatus[1] != 503 {
			t.Errorf("retryable_status = %v", r.Retry.RetryableStatus)
		}
		if r.Failover.AutoSwitch {
			t.Error("auto_switch = true, want the configured false")
		}
		if !r.Failover.SwitchOnQuota {
			t.Error("switch_on_quota default was not applied")
		}
		if r.Timeout.StreamIdle != 0 {
			t.Errorf("stream_idle = %v, want 0", r.Timeout.StreamIdle)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("PROXYCAST_SERVER__PORT", "9000")
		t.Setenv("PROXYCAST_RESILIENCE__RETRY__MAX_ATTEMPTS", "4")
		path := writeConfig(t, "server:\n  port: 7000\n")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Resilience.Retry.MaxAttempts != 4 {
			t.Errorf("max_attempts = %v, want 4", cfg.Resilience.Retry.MaxAttempts)
		}
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero attempts", "resilience:\n  retry:\n    max_attempts: 0\n"},
		{"max below base", "resilience:\n  retry:\n    base_delay: 10s\n    max_delay: 1s\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${PROXYCAST_UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
