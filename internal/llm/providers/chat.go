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

// ChatCompletionsAdapter implements transport.ProviderAdapter for providers
// speaking the chat/completions dialect with bearer authentication:
// openai, deepseek, mistral, xai, together, perplexity.
type ChatCompletionsAdapter struct {
	spec Spec
}

// NewChatCompletionsAdapter creates a chat-completions adapter.
// The endpoint must be the full completions URL.
func NewChatCompletionsAdapter(spec Spec) *ChatCompletionsAdapter {
	if spec.Endpoint == "" {
		spec.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	return &ChatCompletionsAdapter{spec: spec}
}

// Name returns the provider name.
func (a *ChatCompletionsAdapter) Name() string {
	return a.spec.Name
}

// Build constructs the chat/completions request with the credential carried
// on the normalized request placed in the Authorization header.
func (a *ChatCompletionsAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	body := map[string]any{
		"model": req.Model,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
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
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", req.APIKey))

	return httpReq, nil
}

// Parse extracts normalized content and usage from a chat/completions
// response.
func (a *ChatCompletionsAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseChatError(a.spec.Name, httpResp.StatusCode, body)
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, err)
	}

	if len(resp.Choices) == 0 {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, fmt.Errorf("no choices in response"))
	}

	return &transport.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: transport.NormalizedUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

// parseChatError converts chat/completions error responses to ProviderError.
func parseChatError(provider string, statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		code := errResp.Error.Code
		if code == "" {
			code = errResp.Error.Type
		}
		return &llmerrors.ProviderError{
			Provider:   provider,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Code:       code,
			Type:       classifyErrorType(statusCode, code),
		}
	}

	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
		Type:       classifyErrorType(statusCode, ""),
	}
}

// malformedResponse wraps a parse failure as the distinct error kind the
// circuit breaker expects for unparseable bodies.
func malformedResponse(provider string, statusCode int, cause error) error {
	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    cause.Error(),
		Type:       llmerrors.ErrorTypeMalformedResponse,
	}
}
