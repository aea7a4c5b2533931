// Package scheduler drives batch processing: it claims pending work items,
// fans them out under bounded concurrency, issues the prompt-by-model
// cross-product for each item through the LLM client, and persists the
// resulting responses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/llmrank/runner/internal/domain"
	"github.com/llmrank/runner/internal/llm"
	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
	"github.com/llmrank/runner/internal/store"
)

// Defaults for the knobs Options leaves zero.
const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 4
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
	DefaultCallTimeout = 30 * time.Second
)

// ProviderPlan is one provider's slice of the cross-product: the models to
// query, in fallback order. When a call fails with a model-unsupported
// error the next model in the list is tried on the same credential; other
// failures end that branch of the cross-product.
type ProviderPlan struct {
	Name   string
	Models []string
}

// Prompt is a named template rendered per work item.
type Prompt struct {
	ID       string
	Template string
}

// Render produces the final prompt text for a work item.
func (p Prompt) Render(itemName string) string {
	return fmt.Sprintf("%s\n\nDomain: %s", p.Template, itemName)
}

// Options configures a Scheduler.
type Options struct {
	Providers []ProviderPlan
	Prompts   []Prompt

	// BatchSize is the maximum number of items claimed per pass.
	BatchSize int

	// Concurrency bounds the number of items processed simultaneously.
	Concurrency int

	// MaxTokens and Temperature apply to every call.
	MaxTokens   int
	Temperature float64

	// CallTimeout bounds each provider call.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Result summarizes one scheduler pass.
type Result struct {
	// Processed counts items that reached completed.
	Processed int `json:"processed"`

	// Errors counts items whose pass failed as a whole (returned to
	// pending or marked error).
	Errors int `json:"errors"`

	// Summaries carries one line per item for logs and the control
	// surface.
	Summaries []string `json:"summaries"`

	// MoreWork reports whether pending items remain after this pass.
	// False is terminal: the driving loop stops.
	MoreWork bool `json:"more_work"`
}

// Scheduler runs batch passes. Construct with New; zero value is not usable.
type Scheduler struct {
	store  store.Store
	client llm.Client
	opts   Options
	logger *slog.Logger
}

// New validates options and builds a scheduler.
func New(st store.Store, client llm.Client, opts Options) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if client == nil {
		return nil, errors.New("llm client is required")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("at least one provider plan is required")
	}
	for _, p := range opts.Providers {
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("provider %q has no models", p.Name)
		}
	}
	if len(opts.Prompts) == 0 {
		return nil, errors.New("at least one prompt is required")
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		store:  st,
		client: client,
		opts:   opts,
		logger: opts.Logger.With("component", "scheduler"),
	}, nil
}

// RunOnce claims one batch and processes it to completion. Individual call
// failures never abort sibling calls or sibling items; only store failures
// abort the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	return s.run(ctx, s.opts.BatchSize)
}

// TriggerBatch is the control-surface entry point: one pass with an explicit
// batch size. batchSize <= 0 uses the configured default.
func (s *Scheduler) TriggerBatch(ctx context.Context, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = s.opts.BatchSize
	}
	return s.run(ctx, batchSize)
}

func (s *Scheduler) run(ctx context.Context, batchSize int) (*Result, error) {
	items, err := s.store.ClaimBatch(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	result := &Result{}
	if len(items) == 0 {
		moreWork, err := s.pendingRemain(ctx)
		if err != nil {
			return nil, err
		}
		result.MoreWork = moreWork
		return result, nil
	}

	s.logger.Info("batch claimed", "items", len(items))

	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	outcomes := make(chan itemOutcome, len(items))

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone mid-batch: return claimed-but-unstarted
			// items to pending so they are retried next pass.
			s.requeue(item, err)
			outcomes <- itemOutcome{item: item, err: err}
			continue
		}
		go func(item *domain.WorkItem) {
			defer sem.Release(1)
			outcomes <- s.processItem(ctx, item)
		}(item)
	}

	var storeErr error
	for range items {
		outcome := <-outcomes
		if outcome.storeErr != nil {
			storeErr = outcome.storeErr
		}
		if outcome.err != nil {
			result.Errors++
		} else {
			result.Processed++
		}
		result.Summaries = append(result.Summaries, outcome.summary())
	}
	if storeErr != nil {
		return nil, fmt.Errorf("store failure during batch: %w", storeErr)
	}

	moreWork, err := s.pendingRemain(ctx)
	if err != nil {
		return nil, err
	}
	result.MoreWork = moreWork

	s.logger.Info("batch finished",
		"processed", result.Processed,
		"errors", result.Errors,
		"more_work", result.MoreWork)
	return result, nil
}

type itemOutcome struct {
	item     *domain.WorkItem
	captured int
	failed   int
	err      error
	storeErr error
}

func (o itemOutcome) summary() string {
	if o.err != nil {
		return fmt.Sprintf("%s: failed (%v)", o.item.Name, o.err)
	}
	return fmt.Sprintf("%s: completed (%d responses, %d failed calls)",
		o.item.Name, o.captured, o.failed)
}

// processItem runs the full cross-product for one item. A panic anywhere in
// the item's calls is converted to a processing failure so one poisoned item
// never takes down the batch.
func (s *Scheduler) processItem(ctx context.Context, item *domain.WorkItem) (outcome itemOutcome) {
	outcome.item = item

	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("panic processing item: %v", r)
			s.logger.Error("panic recovered during item processing",
				"item", item.Name, "panic", r)
			s.requeue(item, outcome.err)
		}
	}()

	captured, failed, err := s.runCrossProduct(ctx, item)
	outcome.captured = captured
	outcome.failed = failed
	if err != nil {
		// Store failures or whole-item errors: return the item to
		// pending (or terminal error after retries).
		outcome.err = err
		if markErr := s.store.MarkError(ctx, item.ID, err.Error()); markErr != nil {
			outcome.storeErr = markErr
		}
		return outcome
	}

	// Partial call failures still complete the item; each response was
	// persisted as it arrived and missing ones stay missing until a
	// future seeding pass, exactly like the idempotent insert allows.
	if err := s.store.MarkCompleted(ctx, item.ID); err != nil {
		outcome.err = err
		outcome.storeErr = err
	}
	return outcome
}

// errSlotCollapsed marks a model slot whose answer was already produced by an
// earlier slot's fallback. The combination is neither captured nor failed.
var errSlotCollapsed = errors.New("slot already answered by an earlier fallback")

// runCrossProduct issues one call per (prompt, provider model) combination
// for the item. Returns the number of captured responses, the number of
// failed combinations, and a non-nil error only when persistence failed.
func (s *Scheduler) runCrossProduct(ctx context.Context, item *domain.WorkItem) (captured, failed int, err error) {
	for _, prompt := range s.opts.Prompts {
		rendered := prompt.Render(item.Name)

		for _, plan := range s.opts.Providers {
			exhausted := false
			// Fallback from slot i can answer with slot i+1's model.
			// Track which models already answered this prompt so their
			// own slots never re-bill the same call.
			answered := make(map[string]bool, len(plan.Models))
			for i, slotModel := range plan.Models {
				if answered[slotModel] {
					continue
				}
				if exhausted {
					failed++
					continue
				}

				resp, model, callErr := s.callWithFallback(ctx, item.ID, plan, i, prompt.ID, rendered, answered)
				if callErr != nil {
					if errors.Is(callErr, errSlotCollapsed) {
						continue
					}
					failed++
					if errors.Is(callErr, llmerrors.ErrCredentialExhausted) {
						// Remaining models for this provider would hit
						// the same empty pool; skip them this cycle.
						exhausted = true
						s.logger.Warn("provider skipped, credentials exhausted",
							"provider", plan.Name, "item", item.Name)
					} else {
						s.logger.Warn("provider call failed",
							"provider", plan.Name, "model", slotModel,
							"item", item.Name, "error", callErr)
					}
					continue
				}
				answered[model] = true

				rec := &domain.ResponseRecord{
					ID:               uuid.New(),
					WorkItemID:       item.ID,
					Provider:         plan.Name,
					Model:            model,
					PromptID:         prompt.ID,
					Content:          resp.Content,
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					CostMilliCents:   domain.MilliCents(resp.CostMilliCents),
					LatencyMs:        resp.Usage.LatencyMs,
					CapturedAt:       time.Now(),
				}
				if insertErr := s.store.InsertResponse(ctx, rec); insertErr != nil {
					return captured, failed, fmt.Errorf("failed to persist response: %w", insertErr)
				}
				captured++
			}
		}
	}
	return captured, failed, nil
}

// callWithFallback issues the call for the model at position start in the
// provider's ordered list. A model-unsupported error substitutes the next
// configured model for this slot (same credential pool); any other failure
// ends the attempt. Returns the model that answered, so the record is keyed
// by the real responder. Models already answered for this prompt collapse
// with errSlotCollapsed instead of repeating the call.
func (s *Scheduler) callWithFallback(
	ctx context.Context,
	itemID uuid.UUID,
	plan ProviderPlan,
	start int,
	promptID, prompt string,
	answered map[string]bool,
) (*transport.Response, string, error) {
	var lastErr error
	for _, model := range plan.Models[start:] {
		if answered[model] {
			return nil, "", errSlotCollapsed
		}
		req := &transport.Request{
			Provider:    plan.Name,
			Model:       model,
			WorkItemID:  itemID,
			PromptID:    promptID,
			Prompt:      prompt,
			MaxTokens:   int64(s.opts.MaxTokens),
			Temperature: s.opts.Temperature,
			Timeout:     s.opts.CallTimeout,
		}

		resp, err := s.client.Complete(ctx, req)
		if err == nil {
			return resp, model, nil
		}
		lastErr = err
		if !llmerrors.IsModelError(err) {
			return nil, "", err
		}
		s.logger.Info("model unsupported, falling back",
			"provider", plan.Name, "model", model)
	}
	return nil, "", fmt.Errorf("no supported model for provider %s: %w", plan.Name, lastErr)
}

// pendingRemain reports whether another pass would find work.
func (s *Scheduler) pendingRemain(ctx context.Context) (bool, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count pending items: %w", err)
	}
	return counts[domain.StatusPending] > 0, nil
}

// requeue returns a claimed item to pending after an abort.
func (s *Scheduler) requeue(item *domain.WorkItem, cause error) {
	// Best effort with a fresh context: the batch context may already be
	// canceled, and a stuck processing row is worse than a lost count.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkError(ctx, item.ID, cause.Error()); err != nil {
		s.logger.Error("failed to requeue item", "item", item.Name, "error", err)
	}
}
