// Package resilience wraps backend calls with bounded retry, credential
// failover, and timeouts.
//
// One logical call is driven by a Machine through explicit states:
//
//	Attempting → Success | RetryableFailure | FailoverFailure | FatalFailure | Exhausted
//
// RetryableFailure loops back to Attempting on the same credential after a
// backoff delay. FailoverFailure moves to the next credential with a fresh
// retry budget. Every transition is reported to Observers; the package
// itself neither logs nor persists anything.
package resilience

import (
	"time"

	"github.com/smilit/proxycast-sub002/internal/config"
)

// RetryConfig bounds retries on a single credential.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per credential.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// RetryableStatus lists HTTP statuses retried on the same credential.
	RetryableStatus []int
}

// FailoverConfig controls credential rotation.
type FailoverConfig struct {
	AutoSwitch    bool
	SwitchOnQuota bool

	QuotaStatus   []int
	QuotaKeywords []string
}

// TimeoutConfig holds the call deadlines. Zero disables a deadline.
type TimeoutConfig struct {
	// Request bounds the whole call including all retries and, for
	// streaming responses, the body.
	Request time.Duration

	// StreamIdle is the longest gap allowed between response bytes.
	StreamIdle time.Duration
}

// Config is the complete resilience configuration. It is immutable once a
// Machine is built from it.
type Config struct {
	Retry    RetryConfig
	Failover FailoverConfig
	Timeout  TimeoutConfig
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			RetryableStatus: []int{408, 429, 500, 502, 503, 504},
		},
		Failover: FailoverConfig{
			AutoSwitch:    true,
			SwitchOnQuota: true,
			QuotaStatus:   []int{429},
			QuotaKeywords: []string{
				"quota",
				"rate limit",
				"rate_limit",
				"too many requests",
				"exceeded",
				"limit exceeded",
				"throttl",
			},
		},
		Timeout: TimeoutConfig{
			Request:    10 * time.Minute,
			StreamIdle: 60 * time.Second,
		},
	}
}

// withDefaults fills zero numeric fields and nil lists from DefaultConfig.
// Boolean toggles are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.RetryableStatus == nil {
		c.Retry.RetryableStatus = d.Retry.RetryableStatus
	}
	if c.Failover.QuotaStatus == nil {
		c.Failover.QuotaStatus = d.Failover.QuotaStatus
	}
	if c.Failover.QuotaKeywords == nil {
		c.Failover.QuotaKeywords = d.Failover.QuotaKeywords
	}
	return c
}

// FromSettings converts the loaded resilience section. Unset numeric fields
// and lists fall back to DefaultConfig when the Machine is built.
func FromSettings(s config.ResilienceConfig) Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:     s.Retry.MaxAttempts,
			BaseDelay:       s.Retry.BaseDelay,
			MaxDelay:        s.Retry.MaxDelay,
			RetryableStatus: s.Retry.RetryableStatus,
		},
		Failover: FailoverConfig{
			AutoSwitch:    s.Failover.AutoSwitch,
			SwitchOnQuota: s.Failover.SwitchOnQuota,
			QuotaStatus:   s.Failover.QuotaStatus,
			QuotaKeywords: s.Failover.QuotaKeywords,
		},
		Timeout: TimeoutConfig{
			Request:    s.Timeout.Request,
			StreamIdle: s.Timeout.StreamIdle,
		},
	}
}
