// Package llmerrors defines the error taxonomy for provider calls.
// Types drive circuit-breaker penalties and model fallback: credential
// errors penalize the credential that made the call, model errors trigger
// fallback to the provider's next configured model, and malformed
// responses are kept distinct from network/HTTP failures.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes provider call failures.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates the provider rejected the call for rate
	// limiting (HTTP 429 or equivalent).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates the provider service is unavailable (5xx).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeCircuitBreaker indicates circuit breaker protection activated.
	ErrorTypeCircuitBreaker ErrorType = "circuit_breaker"

	// ErrorTypeAuth indicates the credential was rejected.
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypeModelUnsupported indicates the requested model is unknown to
	// the provider; the caller should fall back to the next configured model
	// on the same credential.
	ErrorTypeModelUnsupported ErrorType = "model_unsupported"

	// ErrorTypeMalformedResponse indicates the provider returned a payload
	// that could not be parsed (malformed JSON, missing fields). Counted as
	// a call failure but never persisted as content.
	ErrorTypeMalformedResponse ErrorType = "malformed_response"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Sentinel errors for consistent handling across packages.
var (
	// ErrCredentialExhausted indicates every credential for a provider is
	// unhealthy; the provider is skipped for the current cycle.
	ErrCredentialExhausted = errors.New("all credentials exhausted for provider")

	// ErrUnknownProvider indicates an unknown or unconfigured provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownShape indicates an unknown request/response shape tag.
	ErrUnknownShape = errors.New("unknown provider shape")

	// ErrMalformedResponse indicates the provider returned an unparseable body.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrRateLimitExceeded indicates a rate limit was hit.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Usage mapping errors.
	ErrUsageNil                 = errors.New("usage is nil")
	ErrNegativePromptTokens     = errors.New("negative prompt tokens")
	ErrNegativeCompletionTokens = errors.New("negative completion tokens")
	ErrInconsistentTokenCounts  = errors.New("inconsistent token counts")
	ErrPricingUnavailable       = errors.New("pricing data unavailable")
)

// ProviderError captures a structured error response from a provider.
type ProviderError struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after,omitempty"` // Retry-After header, seconds
}

// Error returns the formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// GetRetryAfter returns the provider-suggested backoff, if any.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// RateLimitError provides rate limit context for backoff decisions.
type RateLimitError struct {
	Provider   string `json:"provider"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retry_after"` // Seconds to wait before retry
}

// Error returns the formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %d seconds", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Provider)
}

// CircuitOpenError indicates the credential's breaker rejected the call.
type CircuitOpenError struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"` // redacted credential identifier
	ResetAt    int64  `json:"reset_at"`   // Unix timestamp when a probe may be admitted
}

// Error returns the formatted circuit breaker error.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s credential %s", e.Provider, e.Credential)
}

// IsModelError reports whether err should trigger model fallback rather
// than a credential penalty.
func IsModelError(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type == ErrorTypeModelUnsupported
	}
	return false
}

// IsCredentialError reports whether err should count against the
// credential's consecutive-failure counter. Malformed responses count as
// call failures; model-unsupported and breaker rejections do not.
func IsCredentialError(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Type {
		case ErrorTypeModelUnsupported, ErrorTypeCircuitBreaker:
			return false
		default:
			return true
		}
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}
	if errors.Is(err, ErrCredentialExhausted) {
		return false
	}

	// Timeouts, network failures, and malformed bodies all penalize the
	// credential that made the call.
	return true
}

// IsMalformedResponse reports whether err is a response-parsing failure,
// as opposed to a network or HTTP error.
func IsMalformedResponse(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type == ErrorTypeMalformedResponse
	}
	return false
}

// IsRetryable reports whether a later attempt against the same credential
// could plausibly succeed. Used for logging and error summaries; the
// scheduler never retries synchronously.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Type {
		case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
			return true
		default:
			return false
		}
	}
	return errors.Is(err, ErrRateLimitExceeded)
}
