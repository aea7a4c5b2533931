package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// GenerateContentAdapter implements transport.ProviderAdapter for the
// generateContent dialect with the credential embedded in the URL query
// (google).
type GenerateContentAdapter struct {
	spec Spec
}

// NewGenerateContentAdapter creates a generate-content adapter. The
// endpoint is the API base; the model name is appended per call.
func NewGenerateContentAdapter(spec Spec) *GenerateContentAdapter {
	if spec.Endpoint == "" {
		spec.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GenerateContentAdapter{spec: spec}
}

// Name returns the provider name.
func (a *GenerateContentAdapter) Name() string {
	return a.spec.Name
}

// Build constructs the generateContent request. The credential is appended
// to the URL as a query parameter; no auth header is set.
func (a *GenerateContentAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		a.spec.Endpoint, req.Model, url.QueryEscape(req.APIKey))

	body := map[string]any{
		"contents": []map[string]any{
			{
				"parts": []map[string]any{
					{"text": req.Prompt},
				},
			},
		},
		"generationConfig": map[string]any{
			"temperature":     req.Temperature,
			"maxOutputTokens": req.MaxTokens,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

// Parse extracts normalized content and usage from a generateContent
// response. Google reports usage in camelCase with candidates terminology.
func (a *GenerateContentAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseGenerateContentError(a.spec.Name, httpResp.StatusCode, body)
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, malformedResponse(a.spec.Name, httpResp.StatusCode, fmt.Errorf("no candidates in response"))
	}

	return &transport.Response{
		Content: resp.Candidates[0].Content.Parts[0].Text,
		Usage: transport.NormalizedUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

// parseGenerateContentError converts google error responses to ProviderError.
func parseGenerateContentError(provider string, statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llmerrors.ProviderError{
			Provider:   provider,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Code:       errResp.Error.Status,
			Type:       classifyErrorType(statusCode, errResp.Error.Status),
		}
	}

	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
		Type:       classifyErrorType(statusCode, ""),
	}
}
