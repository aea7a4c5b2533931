package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// anthropicVersion is the API version header required by the messages API.
const anthropicVersion = "2023-06-01"

// MessagesAdapter implements transport.ProviderAdapter for the message-array
// dialect authenticated with an x-api-key header (anthropic).
type MessagesAdapter struct {
	spec Spec
}

// NewMessagesAdapter creates a messages-shape adapter.
func NewMessagesAdapter(spec Spec) *MessagesAdapter {
	if spec.Endpoint == "" {
		spec.Endpoint = "https://api.anthropic.com/v1/messages"
	}
	return &MessagesAdapter{spec: spec}
}

// Name returns the provider name.
func (a *MessagesAdapter) Name() string {
	return a.spec.Name
}

// Build constructs the messages request. The credential travels in the
// x-api-key header rather than Authorization.
func (a *MessagesAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	body := map[string]any{
		"model": req.Model,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens": req.MaxTokens,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return httpReq, nil
}

// Parse extracts normalized content and usage from a messages response.
// Anthropic reports input/output token counts instead of prompt/completion.
func (a *MessagesAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseMessagesError(a.spec.Name, httpResp.StatusCode, body)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, err)
	}

	if len(resp.Content) == 0 {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, fmt.Errorf("no content blocks in response"))
	}

	return &transport.Response{
		Content: resp.Content[0].Text,
		Usage: transport.NormalizedUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

// parseMessagesError converts anthropic error responses to ProviderError.
func parseMessagesError(provider string, statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llmerrors.ProviderError{
			Provider:   provider,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Code:       errResp.Error.Type,
			Type:       classifyErrorType(statusCode, errResp.Error.Type),
		}
	}

	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
		Type:       classifyErrorType(statusCode, ""),
	}
}
