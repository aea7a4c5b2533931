// Package memory provides an in-memory Store for tests and single-process
// runs. It honors the same claim and idempotency semantics as the postgres
// implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrank/runner/internal/domain"
	"github.com/llmrank/runner/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*domain.WorkItem
	byName     map[string]uuid.UUID
	responses  map[string]*domain.ResponseRecord // keyed item/model/prompt
	maxRetries int
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. maxRetries <= 0 uses store.DefaultMaxRetries.
func New(maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = store.DefaultMaxRetries
	}
	return &Store{
		items:      make(map[uuid.UUID]*domain.WorkItem),
		byName:     make(map[string]uuid.UUID),
		responses:  make(map[string]*domain.ResponseRecord),
		maxRetries: maxRetries,
	}
}

// InsertIfAbsent implements store.WorkItemStore.
func (s *Store) InsertIfAbsent(_ context.Context, name string) (*domain.WorkItem, bool, error) {
	canonical := domain.CanonicalName(name)
	if canonical == "" {
		return nil, false, fmt.Errorf("empty work item name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[canonical]; ok {
		return copyItem(s.items[id]), false, nil
	}

	item := &domain.WorkItem{
		ID:        uuid.New(),
		Name:      canonical,
		Status:    domain.StatusPending,
		CreatedAt: time.Now(),
	}
	s.items[item.ID] = item
	s.byName[canonical] = item.ID
	return copyItem(item), true, nil
}

// ClaimBatch implements store.WorkItemStore. Selection and transition happen
// under one lock acquisition, so concurrent claimers partition the pending
// set.
func (s *Store) ClaimBatch(_ context.Context, n int) ([]*domain.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*domain.WorkItem, 0, n)
	for _, item := range s.items {
		if item.Status == domain.StatusPending {
			pending = append(pending, item)
		}
	}

	// Oldest last-processed first; never-processed items lead. Ties break
	// on creation time so ordering is stable.
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		switch {
		case a.LastProcessedAt == nil && b.LastProcessedAt != nil:
			return true
		case a.LastProcessedAt != nil && b.LastProcessedAt == nil:
			return false
		case a.LastProcessedAt != nil && b.LastProcessedAt != nil &&
			!a.LastProcessedAt.Equal(*b.LastProcessedAt):
			return a.LastProcessedAt.Before(*b.LastProcessedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})

	if len(pending) > n {
		pending = pending[:n]
	}

	now := time.Now()
	claimed := make([]*domain.WorkItem, 0, len(pending))
	for _, item := range pending {
		item.Status = domain.StatusProcessing
		t := now
		item.LastProcessedAt = &t
		claimed = append(claimed, copyItem(item))
	}
	return claimed, nil
}

// MarkCompleted implements store.WorkItemStore.
func (s *Store) MarkCompleted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	item.Status = domain.StatusCompleted
	return nil
}

// MarkError implements store.WorkItemStore.
func (s *Store) MarkError(_ context.Context, id uuid.UUID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	item.RetryCount++
	item.ErrorCount++
	if item.RetryCount >= s.maxRetries {
		item.Status = domain.StatusError
	} else {
		item.Status = domain.StatusPending
	}
	return nil
}

// CountByStatus implements store.WorkItemStore.
func (s *Store) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int, 4)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// InsertResponse implements store.ResponseStore.
func (s *Store) InsertResponse(_ context.Context, rec *domain.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := responseKey(rec.WorkItemID, rec.Model, rec.PromptID)
	if _, exists := s.responses[key]; exists {
		return nil
	}

	stored := *rec
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CapturedAt.IsZero() {
		stored.CapturedAt = time.Now()
	}
	s.responses[key] = &stored
	return nil
}

// ResponsesForItem implements store.ResponseStore.
func (s *Store) ResponsesForItem(_ context.Context, itemID uuid.UUID) ([]*domain.ResponseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ResponseRecord
	for _, rec := range s.responses {
		if rec.WorkItemID == itemID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].PromptID < out[j].PromptID
	})
	return out, nil
}

// Item returns a snapshot of a work item, for tests and status reporting.
func (s *Store) Item(id uuid.UUID) (*domain.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return copyItem(item), true
}

func copyItem(item *domain.WorkItem) *domain.WorkItem {
	cp := *item
	if item.LastProcessedAt != nil {
		t := *item.LastProcessedAt
		cp.LastProcessedAt = &t
	}
	return &cp
}

func responseKey(itemID uuid.UUID, model, promptID string) string {
	return fmt.Sprintf("%s/%s/%s", itemID, model, promptID)
}
