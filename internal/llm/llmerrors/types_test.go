package llmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsModelError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "model unsupported",
			err:  &ProviderError{Provider: "openai", Type: ErrorTypeModelUnsupported},
			want: true,
		},
		{
			name: "wrapped model unsupported",
			err:  fmt.Errorf("call failed: %w", &ProviderError{Type: ErrorTypeModelUnsupported}),
			want: true,
		},
		{
			name: "auth error",
			err:  &ProviderError{Provider: "openai", Type: ErrorTypeAuth},
			want: false,
		},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsModelError(tt.err))
		})
	}
}

func TestIsCredentialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "auth penalizes",
			err:  &ProviderError{Type: ErrorTypeAuth},
			want: true,
		},
		{
			name: "timeout penalizes",
			err:  &ProviderError{Type: ErrorTypeTimeout},
			want: true,
		},
		{
			name: "rate limit penalizes",
			err:  &ProviderError{Type: ErrorTypeRateLimit},
			want: true,
		},
		{
			name: "malformed response penalizes",
			err:  &ProviderError{Type: ErrorTypeMalformedResponse},
			want: true,
		},
		{
			name: "plain network error penalizes",
			err:  errors.New("connection refused"),
			want: true,
		},
		{
			name: "model unsupported does not",
			err:  &ProviderError{Type: ErrorTypeModelUnsupported},
			want: false,
		},
		{
			name: "circuit open does not",
			err:  &CircuitOpenError{Provider: "openai", Credential: "openai-0"},
			want: false,
		},
		{
			name: "credential exhausted does not",
			err:  fmt.Errorf("acquire: %w", ErrCredentialExhausted),
			want: false,
		},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCredentialError(tt.err))
		})
	}
}

func TestIsMalformedResponse(t *testing.T) {
	assert.True(t, IsMalformedResponse(&ProviderError{Type: ErrorTypeMalformedResponse}))
	assert.True(t, IsMalformedResponse(fmt.Errorf("parse: %w", ErrMalformedResponse)))
	assert.False(t, IsMalformedResponse(&ProviderError{Type: ErrorTypeNetwork}))
	assert.False(t, IsMalformedResponse(errors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ProviderError{Type: ErrorTypeTimeout}))
	assert.True(t, IsRetryable(&ProviderError{Type: ErrorTypeRateLimit}))
	assert.True(t, IsRetryable(&ProviderError{Type: ErrorTypeProvider}))
	assert.False(t, IsRetryable(&ProviderError{Type: ErrorTypeAuth}))
	assert.False(t, IsRetryable(&ProviderError{Type: ErrorTypeModelUnsupported}))
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{Provider: "anthropic", StatusCode: 429, Message: "rate limited"}
	assert.Equal(t, "anthropic error (status 429): rate limited", err.Error())
}

func TestRateLimitErrorMessage(t *testing.T) {
	withRetry := &RateLimitError{Provider: "openai", RetryAfter: 30}
	assert.Contains(t, withRetry.Error(), "retry after 30 seconds")

	withoutRetry := &RateLimitError{Provider: "openai"}
	assert.Equal(t, "rate limit exceeded for openai", withoutRetry.Error())
}
