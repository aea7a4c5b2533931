// Package store defines the persistence contracts for work items and
// captured responses. Implementations live in the memory and postgres
// subpackages; the scheduler depends only on these interfaces.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/llmrank/runner/internal/domain"
)

// DefaultMaxRetries is the number of failed processing attempts before an
// item transitions to the terminal error state.
const DefaultMaxRetries = 3

// ErrNotFound indicates the referenced work item does not exist.
var ErrNotFound = errors.New("work item not found")

// WorkItemStore owns the work-item state machine. All transitions go
// through these operations; nothing else mutates item status.
type WorkItemStore interface {
	// InsertIfAbsent seeds an item under its canonical name. Returns the
	// stored item and true when newly created, or the existing item and
	// false when the name was already present.
	InsertIfAbsent(ctx context.Context, name string) (*domain.WorkItem, bool, error)

	// ClaimBatch atomically selects up to n pending items, oldest
	// last-processed first (never-processed items first of all), marks
	// them processing, and returns them. Concurrent claimers never
	// receive the same item.
	ClaimBatch(ctx context.Context, n int) ([]*domain.WorkItem, error)

	// MarkCompleted transitions an item to completed. Idempotent: replays
	// and calls on already-completed items succeed without effect.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkError records a failed processing attempt. The item returns to
	// pending until its retry budget is exhausted, then becomes error.
	MarkError(ctx context.Context, id uuid.UUID, cause string) error

	// CountByStatus returns the number of items per status.
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// ResponseStore persists captured model responses.
type ResponseStore interface {
	// InsertResponse stores a record. Inserting a duplicate
	// (work item, model, prompt) triple is a no-op, making replays after
	// partial failures safe.
	InsertResponse(ctx context.Context, rec *domain.ResponseRecord) error

	// ResponsesForItem returns all records captured for a work item.
	ResponsesForItem(ctx context.Context, itemID uuid.UUID) ([]*domain.ResponseRecord, error)
}

// Store combines both persistence contracts. The scheduler takes the
// combined interface; tests may satisfy the halves separately.
type Store interface {
	WorkItemStore
	ResponseStore
}
