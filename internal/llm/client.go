// Package llm assembles the provider call pipeline: routing, rate limiting,
// credential dispatch, usage accounting, and the HTTP round trip.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/llmrank/runner/internal/llm/keypool"
	"github.com/llmrank/runner/internal/llm/providers"
	"github.com/llmrank/runner/internal/llm/ratelimit"
	"github.com/llmrank/runner/internal/llm/transport"
	"github.com/llmrank/runner/internal/llm/usage"
)

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 30 * time.Second

// Client issues normalized provider calls through the middleware pipeline.
type Client interface {
	// Complete sends the request through the pipeline. The request's
	// APIKey field is ignored; the credential pool stamps it.
	Complete(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Config assembles a client.
type Config struct {
	// Providers declares the wire shape and endpoint per provider.
	Providers []providers.Spec

	// Pool supplies credentials. Required.
	Pool *keypool.Pool

	// Pricing derives per-call cost. Required.
	Pricing *usage.Table

	// Global is the optional fleet-wide rate limit layer. Nil disables it.
	Global *ratelimit.GlobalLimiter

	// HTTPClient overrides the transport client. Nil uses a client with
	// DefaultCallTimeout.
	HTTPClient *http.Client

	// CallTimeout is the per-call deadline stamped on requests that carry
	// none. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	Logger *slog.Logger
}

type client struct {
	handler     transport.Handler
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient wires the pipeline. Ordering matters: the global limiter runs
// before credential acquisition so fleet-wide rejections never consume a
// credential's window, and usage accounting runs inside the keypool layer so
// malformed usage counts as a credential failure.
func NewClient(cfg Config) (Client, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.Pricing == nil {
		return nil, fmt.Errorf("pricing table is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider spec is required")
	}

	// A provider spec without pool credentials would fail every call at
	// dispatch; reject the wiring up front.
	pooled := make(map[string]struct{})
	for _, name := range cfg.Pool.Providers() {
		pooled[name] = struct{}{}
	}
	for _, spec := range cfg.Providers {
		if _, ok := pooled[spec.Name]; !ok {
			return nil, fmt.Errorf("provider %s has no credentials in the pool", spec.Name)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}

	router, err := providers.NewRouter(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider router: %w", err)
	}

	core := transport.NewHTTPHandler(httpClient, router)

	middlewares := make([]transport.Middleware, 0, 3)
	if cfg.Global != nil {
		middlewares = append(middlewares, cfg.Global.Middleware())
	}
	middlewares = append(middlewares,
		keypool.NewMiddleware(cfg.Pool, logger),
		usage.NewMiddleware(cfg.Pricing),
	)

	return &client{
		handler:     transport.Chain(core, middlewares...),
		callTimeout: callTimeout,
		logger:      logger.With("component", "llm_client"),
	}, nil
}

// Complete implements Client.
func (c *client) Complete(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Timeout <= 0 {
		req.Timeout = c.callTimeout
	}
	return c.handler.Handle(ctx, req)
}
