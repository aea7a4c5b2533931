package keypool

import (
	"context"
	"log/slog"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

// NewMiddleware returns the dispatch middleware: it leases a credential for
// the request's provider, stamps the key onto a copy of the request, and
// reports the call outcome back to the credential's breaker.
//
// Model-level errors (unsupported model) do not penalize the credential; the
// key authenticated fine, so the streak resets and callers fall back to the
// next configured model. Everything else that classifies as a credential
// error counts toward opening the breaker.
func NewMiddleware(pool *Pool, logger *slog.Logger) transport.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "keypool_middleware")

	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			lease, err := pool.Acquire(ctx, req.Provider)
			if err != nil {
				return nil, err
			}

			// Copy so the caller's request never carries the secret.
			stamped := *req
			stamped.APIKey = lease.Key()

			resp, err := next.Handle(ctx, &stamped)
			switch {
			case err == nil:
				lease.ReportSuccess()
			case llmerrors.IsModelError(err):
				lease.ReportSuccess()
			case llmerrors.IsCredentialError(err):
				lease.ReportFailure()
				log.Warn("credential failure recorded",
					"provider", req.Provider,
					"credential", lease.CredentialID(),
					"error", err)
			}
			return resp, err
		})
	}
}
