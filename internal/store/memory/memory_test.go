package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrank/runner/internal/domain"
	"github.com/llmrank/runner/internal/store"
)

func seed(t *testing.T, s *Store, names ...string) []*domain.WorkItem {
	t.Helper()
	items := make([]*domain.WorkItem, 0, len(names))
	for _, name := range names {
		item, created, err := s.InsertIfAbsent(context.Background(), name)
		require.NoError(t, err)
		require.True(t, created)
		items = append(items, item)
	}
	return items
}

func TestInsertIfAbsent(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	item, created, err := s.InsertIfAbsent(ctx, "  Example.COM ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "example.com", item.Name, "name is canonicalized")
	assert.Equal(t, domain.StatusPending, item.Status)

	// Same canonical name: existing item, created=false.
	again, created, err := s.InsertIfAbsent(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, item.ID, again.ID)

	_, _, err = s.InsertIfAbsent(ctx, "   ")
	assert.Error(t, err, "blank name rejected")
}

func TestClaimBatchOrdering(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	seed(t, s, "a.com", "b.com", "c.com")

	// First claim takes never-processed items.
	first, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, item := range first {
		assert.Equal(t, domain.StatusProcessing, item.Status)
		assert.NotNil(t, item.LastProcessedAt)
	}

	// Remaining pending item is claimed next.
	second, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// Nothing pending: empty claim.
	third, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestClaimBatchPrefersOldestProcessed(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	seed(t, s, "old.com", "fresh.com")

	claimed, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Both return to pending with equal claim timestamps; the tie breaks
	// on creation order.
	for _, item := range claimed {
		require.NoError(t, s.MarkError(ctx, item.ID, "transient"))
	}

	next, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, claimed[0].Name, next[0].Name, "oldest last-processed claimed first")
}

// TestConcurrentClaimersNeverShareItems is the single-writer property:
// every item is claimed by exactly one concurrent claimer.
func TestConcurrentClaimersNeverShareItems(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	const items = 50
	names := make([]string, items)
	for i := range names {
		names[i] = uuid.NewString() + ".com"
	}
	seed(t, s, names...)

	const claimers = 10
	var wg sync.WaitGroup
	claimed := make(chan uuid.UUID, items*2)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, 3)
				require.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				for _, item := range batch {
					claimed <- item.ID
				}
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[uuid.UUID]int)
	for id := range claimed {
		seen[id]++
	}
	assert.Len(t, seen, items, "every item claimed")
	for id, n := range seen {
		assert.Equalf(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	item := seed(t, s, "a.com")[0]

	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.MarkCompleted(ctx, item.ID))
	require.NoError(t, s.MarkCompleted(ctx, item.ID), "replay is a no-op")

	got, ok := s.Item(item.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	assert.ErrorIs(t, s.MarkCompleted(ctx, uuid.New()), store.ErrNotFound)
}

func TestMarkErrorRetryBudget(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	item := seed(t, s, "flaky.com")[0]

	// First two failures return the item to pending.
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := s.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, s.MarkError(ctx, item.ID, "boom"))

		got, ok := s.Item(item.ID)
		require.True(t, ok)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
	}

	// Third failure exhausts the budget: terminal error.
	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkError(ctx, item.ID, "boom"))

	got, ok := s.Item(item.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, got.Status)

	// Terminal items are never claimed again.
	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestInsertResponseIdempotent(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	item := seed(t, s, "a.com")[0]

	rec := &domain.ResponseRecord{
		WorkItemID: item.ID,
		Provider:   "openai",
		Model:      "gpt-4",
		PromptID:   "memory_analysis",
		Content:    "first",
	}
	require.NoError(t, s.InsertResponse(ctx, rec))

	// Same (item, model, prompt) triple: dropped, original preserved.
	dup := *rec
	dup.Content = "second"
	require.NoError(t, s.InsertResponse(ctx, &dup))

	// Different prompt: stored.
	other := *rec
	other.PromptID = "other_prompt"
	require.NoError(t, s.InsertResponse(ctx, &other))

	got, err := s.ResponsesForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
}

func TestCountByStatus(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	items := seed(t, s, "a.com", "b.com", "c.com")

	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, items[0].ID))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusCompleted])
}
