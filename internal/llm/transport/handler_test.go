package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrdering(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name+"-in")
				resp, err := next.Handle(ctx, req)
				order = append(order, name+"-out")
				return resp, err
			})
		}
	}

	core := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		order = append(order, "core")
		return &Response{}, nil
	})

	chained := Chain(core, tag("outer"), tag("inner"))
	_, err := chained.Handle(context.Background(), &Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer-in", "inner-in", "core", "inner-out", "outer-out"}, order)
}

type stubAdapter struct {
	name string
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Build(ctx context.Context, req *Request) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, req.Prompt, nil)
}

func (a *stubAdapter) Parse(httpResp *http.Response) (*Response, error) {
	defer func() { _ = httpResp.Body.Close() }()
	return &Response{Content: "parsed"}, nil
}

type stubRouter struct{ adapter ProviderAdapter }

func (r *stubRouter) Pick(string) (ProviderAdapter, error) { return r.adapter, nil }

func TestHTTPHandlerCapturesLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := NewHTTPHandler(server.Client(), &stubRouter{adapter: &stubAdapter{name: "stub"}})
	resp, err := handler.Handle(context.Background(), &Request{Provider: "stub", Prompt: server.URL})
	require.NoError(t, err)

	assert.Equal(t, "parsed", resp.Content)
	assert.GreaterOrEqual(t, resp.Usage.LatencyMs, int64(20))
}

func TestHTTPHandlerEnforcesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := NewHTTPHandler(server.Client(), &stubRouter{adapter: &stubAdapter{name: "stub"}})
	_, err := handler.Handle(context.Background(), &Request{
		Provider: "stub",
		Prompt:   server.URL,
		Timeout:  50 * time.Millisecond,
	})
	assert.Error(t, err)
}
