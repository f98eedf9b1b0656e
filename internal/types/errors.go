package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind identifies a failure class in the gateway's shared taxonomy.
// Every error surfaced to a caller carries one of these kinds together with
// an explicit retryable flag so client code can implement backoff.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication_error"
	KindRateLimit      ErrorKind = "rate_limit_error"
	KindQuotaExceeded  ErrorKind = "quota_exceeded_error"
	KindCircuitOpen    ErrorKind = "circuit_open_error"
	KindNetwork        ErrorKind = "provider_network_error"
	KindServer         ErrorKind = "provider_server_error"
	KindInvalidRequest ErrorKind = "provider_invalid_request"
	KindNoCandidate    ErrorKind = "routing_no_candidate"
	KindValidation     ErrorKind = "validation_error"
)

// GatewayError is the explicit error value propagated up to the ingress
// boundary instead of being thrown across layers.
type GatewayError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	ResetTime time.Time `json:"reset_time,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewAuthenticationError reports a failed tenant or provider authentication.
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{Kind: KindAuthentication, Message: message}
}

// NewRateLimitError reports a per-minute limit breach. resetTime tells the
// caller when the sliding window frees up.
func NewRateLimitError(message string, resetTime time.Time) *GatewayError {
	return &GatewayError{Kind: KindRateLimit, Message: message, Retryable: true, ResetTime: resetTime}
}

// NewQuotaExceededError reports a monthly quota breach. Not retryable until
// the next billing period.
func NewQuotaExceededError(message string) *GatewayError {
	return &GatewayError{Kind: KindQuotaExceeded, Message: message}
}

// NewCircuitOpenError reports a fast failure while a provider's breaker is
// open. resetTime is when the cooldown elapses.
func NewCircuitOpenError(provider string, resetTime time.Time) *GatewayError {
	return &GatewayError{
		Kind:      KindCircuitOpen,
		Message:   fmt.Sprintf("circuit open for provider %s", provider),
		Retryable: true,
		ResetTime: resetTime,
		Provider:  provider,
	}
}

// NewProviderError wraps a backend failure. kind must be one of KindNetwork,
// KindServer or KindInvalidRequest; the first two are retryable.
func NewProviderError(kind ErrorKind, provider, message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindNetwork || kind == KindServer,
		Provider:  provider,
		Cause:     cause,
	}
}

// NewNoCandidateError reports that constraint filtering emptied the candidate
// set even after relaxation. The caller must loosen constraints.
func NewNoCandidateError(message string) *GatewayError {
	return &GatewayError{Kind: KindNoCandidate, Message: message}
}

// NewValidationError reports a malformed inbound request.
func NewValidationError(message string) *GatewayError {
	return &GatewayError{Kind: KindValidation, Message: message}
}

// AsGatewayError extracts a *GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// IsRetryable reports whether the caller may retry after backoff.
func IsRetryable(err error) bool {
	if gerr, ok := AsGatewayError(err); ok {
		return gerr.Retryable
	}
	return false
}

// HTTPStatus maps an error kind to the ingress status code.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return 401
	case KindRateLimit:
		return 429
	case KindQuotaExceeded:
		return 403
	case KindCircuitOpen, KindNetwork, KindServer:
		return 503
	case KindInvalidRequest, KindValidation:
		return 400
	case KindNoCandidate:
		return 422
	default:
		return 500
	}
}
