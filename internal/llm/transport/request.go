// Package transport defines the normalized request/response types and the
// composable middleware pipeline through which every provider call flows.
package transport

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Request represents a normalized call across all providers. The keypool
// middleware stamps APIKey before the request reaches the HTTP handler;
// callers never select credentials themselves.
type Request struct {
	// Provider identifies which configured provider to use.
	Provider string `json:"provider"`

	// Model specifies the exact model to request.
	Model string `json:"model"`

	// WorkItemID correlates the call with its owning work item.
	WorkItemID uuid.UUID `json:"work_item_id"`

	// PromptID names the prompt variant; part of the idempotency key
	// (work item, model, prompt).
	PromptID string `json:"prompt_id"`

	// Prompt is the fully rendered prompt text.
	Prompt string `json:"prompt"`

	// Generation parameters.
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	// APIKey is the credential granted by the pool for this attempt.
	// Never serialized.
	APIKey string `json:"-"`

	// Timeout bounds the individual call; a timeout is an ordinary
	// failure for circuit-breaker purposes.
	Timeout time.Duration `json:"timeout"`
}

// Response represents normalized output from any provider.
type Response struct {
	// Content is the raw response text.
	Content string `json:"content"`

	// Usage tracks token consumption and latency.
	Usage NormalizedUsage `json:"usage"`

	// CostMilliCents is the derived cost, set by the pricing middleware.
	CostMilliCents int64 `json:"cost_milli_cents"`

	// Headers preserves raw response headers for debugging.
	Headers http.Header `json:"-"`

	// RawBody preserves the original response body for audit.
	RawBody []byte `json:"-"`
}

// NormalizedUsage provides consistent usage metrics across providers.
// Provider-specific token field names are mapped here by the usage package.
type NormalizedUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}
