package usage

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmrank/runner/internal/domain"
	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// tokensPerPriceUnit is the denominator for per-1000-token rates.
const tokensPerPriceUnit = 1000

// PricingEntry holds per-model rates in milli-cents per 1000 tokens.
type PricingEntry struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	PromptCostPer1000 int64  `json:"prompt_cost_per_1000"`
	OutputCostPer1000 int64  `json:"output_cost_per_1000"`
}

// Key returns the provider/model lookup key.
func (p *PricingEntry) Key() string {
	return fmt.Sprintf("%s/%s", p.Provider, p.Model)
}

// Calculate computes the call cost in milli-cents. Integer arithmetic,
// division last, truncated toward zero. Zero usage costs zero.
func (p *PricingEntry) Calculate(u transport.NormalizedUsage) domain.MilliCents {
	promptCost := (u.PromptTokens * p.PromptCostPer1000) / tokensPerPriceUnit
	outputCost := (u.CompletionTokens * p.OutputCostPer1000) / tokensPerPriceUnit
	return domain.MilliCents(promptCost + outputCost)
}

// Table is a thread-safe provider/model pricing lookup. Missing entries cost
// zero rather than failing the call; the response content is the product
// here, cost is bookkeeping.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*PricingEntry
}

// NewTable builds a table from the given entries.
func NewTable(entries []PricingEntry) *Table {
	t := &Table{entries: make(map[string]*PricingEntry, len(entries))}
	for i := range entries {
		e := entries[i]
		t.entries[e.Key()] = &e
	}
	return t
}

// Upsert adds or replaces an entry.
func (t *Table) Upsert(entry PricingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.Key()] = &entry
}

// Cost returns the cost in milli-cents for the usage, or zero when no entry
// exists for the provider/model.
func (t *Table) Cost(provider, model string, u transport.NormalizedUsage) domain.MilliCents {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[fmt.Sprintf("%s/%s", provider, model)]
	if !ok {
		return 0
	}
	return entry.Calculate(u)
}

// Lookup reports whether pricing exists for the provider/model. Callers that
// need fail-closed behavior check this and treat absence as
// ErrPricingUnavailable.
func (t *Table) Lookup(provider, model string) (*PricingEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[fmt.Sprintf("%s/%s", provider, model)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", llmerrors.ErrPricingUnavailable, provider, model)
	}
	return entry, nil
}

// NewMiddleware returns the accounting middleware: after a successful call
// it validates the normalized usage and stamps the derived cost onto the
// response. Invalid usage surfaces as a malformed-response failure so the
// breaker sees it.
func NewMiddleware(table *Table) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			resp, err := next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}

			if err := Validate(&resp.Usage); err != nil {
				return nil, &llmerrors.ProviderError{
					Provider: req.Provider,
					Model:    req.Model,
					Message:  err.Error(),
					Type:     llmerrors.ErrorTypeMalformedResponse,
				}
			}

			resp.CostMilliCents = int64(table.Cost(req.Provider, req.Model, resp.Usage))
			return resp, nil
		})
	}
}
