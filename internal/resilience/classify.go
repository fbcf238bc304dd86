package resilience

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
)

// FailureType names why an attempt failed.
type FailureType string

const (
	FailureNone                 FailureType = ""
	FailureQuotaExceeded        FailureType = "quota_exceeded"
	FailureAuthenticationFailed FailureType = "authentication_failed"
	FailureServiceUnavailable   FailureType = "service_unavailable"
	FailureTransient            FailureType = "transient"
	FailureProxyMisconfigured   FailureType = "proxy_misconfigured"
	FailureOther                FailureType = "other"
)

// Outcome is the classified result of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailover
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailover:
		return "failover"
	default:
		return "fatal"
	}
}

// Decision is what the machine should do after an attempt.
type Decision struct {
	Outcome Outcome
	Failure FailureType
	Err     error
}

// Classifier maps attempt errors to decisions using the configured status
// and keyword lists.
type Classifier struct {
	retry    RetryConfig
	failover FailoverConfig
}

// NewClassifier creates a classifier. Zero fields take their defaults.
func NewClassifier(cfg Config) *Classifier {
	cfg = cfg.withDefaults()
	return &Classifier{retry: cfg.Retry, failover: cfg.Failover}
}

// Classify decides how to proceed after an attempt returned err.
func (c *Classifier) Classify(err error) Decision {
	if err == nil {
		return Decision{Outcome: OutcomeSuccess}
	}

	var tr *domain.TransportError
	if errors.As(err, &tr) {
		switch tr.Kind {
		case domain.TransportStatus:
			return c.classifyStatus(tr, err)
		case domain.TransportProxy:
			// Retrying the same credential repeats the same proxy error.
			if c.failover.AutoSwitch {
				return Decision{Outcome: OutcomeFailover, Failure: FailureProxyMisconfigured, Err: err}
			}
			return Decision{Outcome: OutcomeFatal, Failure: FailureProxyMisconfigured, Err: err}
		}
		return Decision{Outcome: OutcomeRetry, Failure: FailureTransient, Err: err}
	}

	var pe *domain.ParseError
	var te *domain.TranslationError
	var re *domain.ResilienceError
	switch {
	case errors.As(err, &pe), errors.As(err, &te), errors.As(err, &re):
		return Decision{Outcome: OutcomeFatal, Failure: FailureOther, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Decision{Outcome: OutcomeFatal, Failure: FailureOther, Err: err}
	}

	// Errors without a status are treated as transient.
	return Decision{Outcome: OutcomeRetry, Failure: FailureTransient, Err: err}
}

func (c *Classifier) classifyStatus(tr *domain.TransportError, err error) Decision {
	failure := DetectFailure(tr.StatusCode, tr.Body, c.failover)
	switch failure {
	case FailureQuotaExceeded:
		return c.quota(err)
	case FailureAuthenticationFailed:
		if c.failover.AutoSwitch {
			return Decision{Outcome: OutcomeFailover, Failure: failure, Err: err}
		}
		return Decision{Outcome: OutcomeFatal, Failure: failure, Err: err}
	}

	if slices.Contains(c.retry.RetryableStatus, tr.StatusCode) {
		return Decision{Outcome: OutcomeRetry, Failure: failure, Err: err}
	}
	return Decision{Outcome: OutcomeFatal, Failure: failure, Err: err}
}

// quota fails over when switching is enabled and otherwise falls back to the
// retry list, so a 429 is still retried on a single credential.
func (c *Classifier) quota(err error) Decision {
	if c.failover.AutoSwitch && c.failover.SwitchOnQuota {
		return Decision{Outcome: OutcomeFailover, Failure: FailureQuotaExceeded, Err: err}
	}
	var tr *domain.TransportError
	if !errors.As(err, &tr) || tr.Kind != domain.TransportStatus || slices.Contains(c.retry.RetryableStatus, tr.StatusCode) {
		return Decision{Outcome: OutcomeRetry, Failure: FailureQuotaExceeded, Err: err}
	}
	return Decision{Outcome: OutcomeFatal, Failure: FailureQuotaExceeded, Err: err}
}

func (c *Classifier) isQuota(status int, message string) bool {
	if status != 0 && slices.Contains(c.failover.QuotaStatus, status) {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range c.failover.QuotaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DetectFailure names the failure behind an HTTP status and response body.
// Quota matches take precedence over the status class.
func DetectFailure(status int, body string, cfg FailoverConfig) FailureType {
	c := Classifier{failover: cfg}
	switch {
	case c.isQuota(status, body):
		return FailureQuotaExceeded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailureAuthenticationFailed
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return FailureServiceUnavailable
	}
	return FailureOther
}
