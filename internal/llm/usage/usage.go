// Package usage validates normalized token usage and derives per-call cost
// from a static pricing table. Adapters already map each provider dialect
// (prompt_tokens, input_tokens, promptTokenCount) into NormalizedUsage; this
// package is the accounting layer on top.
package usage

import (
	"fmt"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// Validate checks a normalized usage payload for internal consistency.
// Providers that omit totals get them reconstructed; contradictory totals
// are rejected.
func Validate(u *transport.NormalizedUsage) error {
	if u == nil {
		return llmerrors.ErrUsageNil
	}
	if u.PromptTokens < 0 {
		return fmt.Errorf("%w: %d", llmerrors.ErrNegativePromptTokens, u.PromptTokens)
	}
	if u.CompletionTokens < 0 {
		return fmt.Errorf("%w: %d", llmerrors.ErrNegativeCompletionTokens, u.CompletionTokens)
	}

	sum := u.PromptTokens + u.CompletionTokens
	switch {
	case u.TotalTokens == 0:
		u.TotalTokens = sum
	case u.TotalTokens != sum && sum != 0:
		return fmt.Errorf("%w: total %d, prompt %d + completion %d",
			llmerrors.ErrInconsistentTokenCounts, u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	return nil
}
