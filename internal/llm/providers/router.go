// Package providers implements the wire-shape adapters for each external
// AI provider and the router that selects them. A provider's shape is an
// explicit configuration tag resolved once at startup; no component ever
// infers the provider from the model name at call time.
package providers

import (
	"fmt"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// Shape identifies a provider's request/response wire format.
type Shape string

const (
	// ShapeChatCompletions is the chat/completions payload with a bearer
	// Authorization header (openai, deepseek, mistral, xai, together,
	// perplexity).
	ShapeChatCompletions Shape = "chat_completions"

	// ShapeMessages is the message-array payload authenticated with an
	// x-api-key header (anthropic).
	ShapeMessages Shape = "messages"

	// ShapeGenerateContent is the generateContent payload with the
	// credential embedded in the URL query (google).
	ShapeGenerateContent Shape = "generate_content"
)

// Valid reports whether s is a known shape tag.
func (s Shape) Valid() bool {
	switch s {
	case ShapeChatCompletions, ShapeMessages, ShapeGenerateContent:
		return true
	}
	return false
}

// Spec carries the per-provider settings an adapter needs. The API key is
// deliberately absent: credentials travel on each transport.Request, stamped
// by the keypool middleware.
type Spec struct {
	Name     string
	Shape    Shape
	Endpoint string
}

// Router selects the appropriate provider adapter for request routing.
type Router interface {
	// Pick selects the adapter for the specified provider.
	// Returns llmerrors.ErrUnknownProvider if the provider is not configured.
	Pick(provider string) (transport.ProviderAdapter, error)
}

// NewRouter creates a router with one adapter per configured provider,
// instantiated by shape tag.
func NewRouter(specs []Spec) (Router, error) {
	adapters := make(map[string]transport.ProviderAdapter, len(specs))

	for _, spec := range specs {
		var adapter transport.ProviderAdapter
		switch spec.Shape {
		case ShapeChatCompletions:
			adapter = NewChatCompletionsAdapter(spec)
		case ShapeMessages:
			adapter = NewMessagesAdapter(spec)
		case ShapeGenerateContent:
			adapter = NewGenerateContentAdapter(spec)
		default:
			return nil, fmt.Errorf("%w: %q for provider %s", llmerrors.ErrUnknownShape, spec.Shape, spec.Name)
		}
		adapters[spec.Name] = adapter
	}

	return &router{adapters: adapters}, nil
}

type router struct {
	adapters map[string]transport.ProviderAdapter
}

// Pick selects the adapter for the given provider name.
func (r *router) Pick(provider string) (transport.ProviderAdapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, provider)
	}
	return adapter, nil
}
