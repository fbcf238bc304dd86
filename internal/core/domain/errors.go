package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ParseErrorKind classifies backend stream decoding failures.
type ParseErrorKind string

const (
	ParseTruncated     ParseErrorKind = "truncated"
	ParseMalformed     ParseErrorKind = "malformed"
	ParseSchemaInvalid ParseErrorKind = "schema_invalid"
)

// ParseError reports a structural failure in the backend event stream.
// Consumed is the number of bytes successfully decoded before the failure.
type ParseError struct {
	Kind     ParseErrorKind
	Consumed int
	Message  string
	Cause    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("event stream %s after %d bytes: %s", e.Kind, e.Consumed, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// TranslationErrorKind classifies request/response translation failures.
type TranslationErrorKind string

const (
	TranslationUnsupportedFeature TranslationErrorKind = "unsupported_feature"
	TranslationSchemaMismatch     TranslationErrorKind = "schema_mismatch"
)

// TranslationError reports a client request that cannot be expressed in the
// backend schema, or a body that does not match the client schema.
type TranslationError struct {
	Kind    TranslationErrorKind
	Field   string
	Message string
	Cause   error
}

func (e *TranslationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("translation %s (%s): %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("translation %s: %s", e.Kind, e.Message)
}

func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// ErrUnsupported builds an UnsupportedFeature translation error for field.
func ErrUnsupported(field, message string) *TranslationError {
	return &TranslationError{Kind: TranslationUnsupportedFeature, Field: field, Message: message}
}

// ErrSchemaMismatch builds a SchemaMismatch translation error.
func ErrSchemaMismatch(field, message string, cause error) *TranslationError {
	return &TranslationError{Kind: TranslationSchemaMismatch, Field: field, Message: message, Cause: cause}
}

// TransportErrorKind classifies failures talking to the backend.
type TransportErrorKind string

const (
	TransportConnectFailed TransportErrorKind = "connect_failed"
	TransportReset         TransportErrorKind = "reset"
	TransportStatus        TransportErrorKind = "status"

	// TransportProxy means the credential's proxy cannot be used at all.
	TransportProxy TransportErrorKind = "proxy_misconfigured"
)

// TransportError reports a backend call failure. StatusCode and Body are set
// for TransportStatus.
type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case TransportStatus:
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("backend %s: %v", e.Kind, e.Cause)
		}
		return fmt.Sprintf("backend %s", e.Kind)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ResilienceErrorKind enumerates the terminal outcomes of the resilience layer.
type ResilienceErrorKind string

const (
	RetriesExhausted  ResilienceErrorKind = "retries_exhausted"
	FailoverExhausted ResilienceErrorKind = "failover_exhausted"
	StreamIdleTimeout ResilienceErrorKind = "stream_idle_timeout"
	TotalTimeout      ResilienceErrorKind = "total_timeout"
	Cancelled         ResilienceErrorKind = "cancelled"
)

// ResilienceError is the terminal error of a resilient backend call. LastErr
// is the final underlying failure, if any.
type ResilienceError struct {
	Kind     ResilienceErrorKind
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *ResilienceError) Error() string {
	switch e.Kind {
	case RetriesExhausted:
		return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
	case FailoverExhausted:
		return fmt.Sprintf("all credentials failed after %d attempts: %v", e.Attempts, e.LastErr)
	case StreamIdleTimeout:
		return fmt.Sprintf("stream idle for %s", e.Elapsed)
	case TotalTimeout:
		return fmt.Sprintf("request timed out after %s", e.Elapsed)
	case Cancelled:
		return "request cancelled"
	}
	return string(e.Kind)
}

func (e *ResilienceError) Unwrap() error {
	return e.LastErr
}

// IsResilienceKind reports whether err is a ResilienceError of kind.
func IsResilienceKind(err error, kind ResilienceErrorKind) bool {
	var re *ResilienceError
	return errors.As(err, &re) && re.Kind == kind
}

// ToAPIError maps any gateway error to its client-facing form. The message is
// always preserved.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		code := ErrorCodeStreamMalformed
		if pe.Kind == ParseTruncated {
			code = ErrorCodeStreamTruncated
		}
		return NewAPIError(ErrorTypeServer, pe.Error()).WithCode(code).WithStatusCode(http.StatusBadGateway)
	}

	var te *TranslationError
	if errors.As(err, &te) {
		code := ErrorCodeSchemaMismatch
		if te.Kind == TranslationUnsupportedFeature {
			code = ErrorCodeUnsupportedFeature
		}
		return ErrInvalidRequest(te.Error()).WithCode(code).WithParam(te.Field)
	}

	var re *ResilienceError
	if errors.As(err, &re) {
		return resilienceToAPIError(re)
	}

	var tr *TransportError
	if errors.As(err, &tr) {
		return transportToAPIError(tr)
	}

	if errors.Is(err, context.Canceled) {
		return NewAPIError(ErrorTypeServer, "request cancelled").WithCode(ErrorCodeCancelled).WithStatusCode(499)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAPIError(ErrorTypeTimeout, err.Error()).WithCode(ErrorCodeTotalTimeout)
	}

	return ErrServer(err.Error())
}

func resilienceToAPIError(re *ResilienceError) *APIError {
	switch re.Kind {
	case StreamIdleTimeout:
		return NewAPIError(ErrorTypeTimeout, re.Error()).WithCode(ErrorCodeStreamIdleTimeout)
	case TotalTimeout:
		return NewAPIError(ErrorTypeTimeout, re.Error()).WithCode(ErrorCodeTotalTimeout)
	case Cancelled:
		return NewAPIError(ErrorTypeServer, re.Error()).WithCode(ErrorCodeCancelled).WithStatusCode(499)
	case FailoverExhausted:
		apiErr := transportOrOverloaded(re)
		return apiErr.WithCode(ErrorCodeFailoverExhausted)
	default:
		apiErr := transportOrOverloaded(re)
		return apiErr.WithCode(ErrorCodeRetriesExhausted)
	}
}

func transportOrOverloaded(re *ResilienceError) *APIError {
	var tr *TransportError
	if errors.As(re.LastErr, &tr) && tr.Kind == TransportStatus {
		apiErr := transportToAPIError(tr)
		apiErr.Message = re.Error()
		return apiErr
	}
	return NewAPIError(ErrorTypeOverloaded, re.Error())
}

func transportToAPIError(tr *TransportError) *APIError {
	if tr.Kind != TransportStatus {
		return NewAPIError(ErrorTypeOverloaded, tr.Error()).WithStatusCode(http.StatusBadGateway)
	}

	var t ErrorType
	switch {
	case tr.StatusCode == http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	case tr.StatusCode == http.StatusUnauthorized:
		t = ErrorTypeAuthentication
	case tr.StatusCode == http.StatusForbidden:
		t = ErrorTypePermission
	case tr.StatusCode == http.StatusNotFound:
		t = ErrorTypeNotFound
	case tr.StatusCode >= 400 && tr.StatusCode < 500:
		t = ErrorTypeInvalidRequest
	case tr.StatusCode == http.StatusServiceUnavailable:
		t = ErrorTypeOverloaded
	default:
		return NewAPIError(ErrorTypeServer, tr.Error()).WithCode(ErrorCodeUpstreamError).WithStatusCode(http.StatusBadGateway)
	}
	return NewAPIError(t, tr.Error()).WithCode(ErrorCodeUpstreamError).WithStatusCode(tr.StatusCode)
}

// ErrorTypeForKind maps the kind of an in-stream error (a gateway ErrorType,
// a gateway ErrorCode, or a backend exception name) to an ErrorType.
func ErrorTypeForKind(kind string) ErrorType {
	switch kind {
	case string(ErrorTypeInvalidRequest), "ValidationException":
		return ErrorTypeInvalidRequest
	case string(ErrorTypeAuthentication), "UnauthorizedException", "ExpiredTokenException":
		return ErrorTypeAuthentication
	case string(ErrorTypePermission), "AccessDeniedException":
		return ErrorTypePermission
	case string(ErrorTypeRateLimit), "ThrottlingException", "ServiceQuotaExceededException":
		return ErrorTypeRateLimit
	case string(ErrorTypeOverloaded), "ServiceUnavailableException":
		return ErrorTypeOverloaded
	case string(ErrorTypeTimeout), string(ErrorCodeStreamIdleTimeout), string(ErrorCodeTotalTimeout):
		return ErrorTypeTimeout
	case string(ErrorCodeRetriesExhausted), string(ErrorCodeFailoverExhausted):
		return ErrorTypeOverloaded
	case string(ErrorCodeUnsupportedFeature), string(ErrorCodeSchemaMismatch):
		return ErrorTypeInvalidRequest
	}
	return ErrorTypeServer
}
