// Package domain contains the core types shared across the runner:
// work items, response records, credentials, and money.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a work item.
// Items start pending, are claimed into processing, and end either
// completed or (after retry exhaustion) error. A failed processing
// attempt returns the item to pending until retries run out.
type Status string

const (
	// StatusPending marks an item waiting to be claimed. Initial and
	// re-entrant state.
	StatusPending Status = "pending"

	// StatusProcessing marks an item claimed by a scheduler pass.
	StatusProcessing Status = "processing"

	// StatusCompleted marks an item whose cross-product of calls has
	// fully resolved. Terminal.
	StatusCompleted Status = "completed"

	// StatusError marks an item that exhausted its retry budget. Terminal.
	StatusError Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// WorkItem is a unit of input (a domain name) requiring one response per
// configured model/prompt combination. Owned exclusively by the work-item
// store; mutated only through its claim/transition operations.
type WorkItem struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	ErrorCount      int        `json:"error_count"`
	CreatedAt       time.Time  `json:"created_at"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// CanonicalName normalizes a raw work-item name for storage and lookup.
// Seeding uses the canonical form so the same domain never appears twice.
func CanonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ResponseRecord is one captured model response for a work item.
// Created exactly once per successful call and immutable thereafter;
// the (WorkItemID, Model, PromptID) triple is the idempotency key.
type ResponseRecord struct {
	ID               uuid.UUID  `json:"id"`
	WorkItemID       uuid.UUID  `json:"work_item_id"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	PromptID         string     `json:"prompt_id"`
	Content          string     `json:"content"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CostMilliCents   MilliCents `json:"cost_milli_cents"`
	LatencyMs        int64      `json:"latency_ms"`
	CapturedAt       time.Time  `json:"captured_at"`
}
