// Package keypool manages per-provider credential sets. Each credential
// carries its own rate limiter and circuit breaker; the pool hands out the
// least-recently-used healthy credential and degrades to round-robin instead
// of stalling when every credential is over capacity.
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmrank/runner/internal/llm/circuitbreaker"
	"github.com/llmrank/runner/internal/llm/llmerrors"
)

// DefaultWindow is the rate-limit window applied when a credential config
// leaves it zero.
const DefaultWindow = time.Minute

// CredentialConfig describes one API key for a provider.
type CredentialConfig struct {
	// ID is a short label for logs. Never the key itself.
	ID string

	// Key is the secret credential material.
	Key string

	// Capacity is the maximum number of acquisitions per window.
	Capacity int

	// Window is the rate-limit window. Zero means DefaultWindow.
	Window time.Duration
}

// credential is the pool's internal per-key state. The limiter enforces
// minimum inter-call spacing of window/capacity, which bounds acquisitions
// per window at capacity regardless of how many goroutines contend.
type credential struct {
	id  string
	key string

	capacity int
	window   time.Duration

	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker

	mu          sync.Mutex
	windowStart time.Time
	windowUsed  int
	lastUsed    time.Time
}

func newCredential(cfg CredentialConfig, bc circuitbreaker.Config, logger *slog.Logger) *credential {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	interval := cfg.Window / time.Duration(cfg.Capacity)
	return &credential{
		id:       cfg.ID,
		key:      cfg.Key,
		capacity: cfg.Capacity,
		window:   cfg.Window,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		breaker:  circuitbreaker.New(bc, logger.With("credential", cfg.ID)),
	}
}

// underCapacity reports whether the current window still has headroom,
// resetting the counter at window boundaries.
func (c *credential) underCapacity(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.windowStart) >= c.window {
		c.windowStart = now
		c.windowUsed = 0
	}
	return c.windowUsed < c.capacity
}

func (c *credential) lastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// grant records an acquisition after the limiter admitted it.
func (c *credential) grant(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.windowStart) >= c.window {
		c.windowStart = now
		c.windowUsed = 0
	}
	c.windowUsed++
	c.lastUsed = now
}

// Lease is a granted acquisition. Callers must report the call outcome so
// the credential's breaker tracks consecutive failures.
type Lease struct {
	cred *credential
}

// CredentialID returns the log label of the leased credential.
func (l *Lease) CredentialID() string { return l.cred.id }

// Key returns the secret to place on the outgoing request.
func (l *Lease) Key() string { return l.cred.key }

// ReportSuccess resets the credential's failure streak.
func (l *Lease) ReportSuccess() { l.cred.breaker.RecordSuccess() }

// ReportFailure counts a credential-level failure against the breaker.
func (l *Lease) ReportFailure() { l.cred.breaker.RecordFailure() }

// Pool holds the credential sets for all configured providers. It is an
// explicit dependency passed to the dispatcher; construct one per process.
type Pool struct {
	mu    sync.Mutex
	creds map[string][]*credential

	logger *slog.Logger
}

// NewPool builds a pool from per-provider credential configs.
func NewPool(providers map[string][]CredentialConfig, bc circuitbreaker.Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "keypool")

	creds := make(map[string][]*credential, len(providers))
	for provider, cfgs := range providers {
		if len(cfgs) == 0 {
			return nil, fmt.Errorf("provider %q has no credentials", provider)
		}
		list := make([]*credential, 0, len(cfgs))
		for i, cfg := range cfgs {
			if cfg.Key == "" {
				return nil, fmt.Errorf("provider %q credential %d has empty key", provider, i)
			}
			if cfg.ID == "" {
				cfg.ID = fmt.Sprintf("%s-%d", provider, i)
			}
			list = append(list, newCredential(cfg, bc, logger.With("provider", provider)))
		}
		creds[provider] = list
	}
	return &Pool{creds: creds, logger: logger}, nil
}

// Providers returns the configured provider names.
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.creds))
	for name := range p.creds {
		names = append(names, name)
	}
	return names
}

// Acquire selects a credential for the provider and blocks until its rate
// limiter admits the call or ctx is done.
//
// Selection order: healthy and under capacity (LRU first), then healthy but
// over capacity (LRU, round-robin degradation rather than stalling), then an
// unhealthy credential whose breaker cooldown admits a single trial call.
// Only when every breaker is hard-open does Acquire fail with
// ErrCredentialExhausted.
func (p *Pool) Acquire(ctx context.Context, provider string) (*Lease, error) {
	p.mu.Lock()
	list, ok := p.creds[provider]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, provider)
	}

	cred, trial := p.selectCredential(list)
	if cred == nil {
		base := fmt.Errorf("%w: provider %s, all %d credentials unhealthy",
			llmerrors.ErrCredentialExhausted, provider, len(list))
		if at, id := nextTrialAt(list); !at.IsZero() {
			return nil, fmt.Errorf("%w: %w", base, &llmerrors.CircuitOpenError{
				Provider:   provider,
				Credential: id,
				ResetAt:    at.Unix(),
			})
		}
		return nil, base
	}

	// Spacing wait happens outside any pool lock so acquirers of other
	// credentials are never blocked behind this one.
	if err := cred.limiter.Wait(ctx); err != nil {
		if trial {
			// The claimed probe slot must not leak: no call was made,
			// so hand the trial to the next acquirer.
			cred.breaker.ReleaseProbe()
		}
		return nil, fmt.Errorf("rate limit wait for credential %s: %w", cred.id, err)
	}

	cred.grant(time.Now())
	return &Lease{cred: cred}, nil
}

// selectCredential implements the LRU preference tiers. Breaker probe slots
// are only claimed once the healthy tiers are exhausted, so trial calls never
// preempt working credentials. The second return value reports whether the
// selection claimed a probe slot that the caller must resolve or release.
func (p *Pool) selectCredential(list []*credential) (*credential, bool) {
	now := time.Now()

	var best *credential
	for _, c := range list {
		if !c.breaker.Healthy() || !c.underCapacity(now) {
			continue
		}
		if best == nil || c.lastUsedAt().Before(best.lastUsedAt()) {
			best = c
		}
	}
	if best != nil {
		return best, false
	}

	for _, c := range list {
		if !c.breaker.Healthy() {
			continue
		}
		if best == nil || c.lastUsedAt().Before(best.lastUsedAt()) {
			best = c
		}
	}
	if best != nil {
		p.logger.Debug("all credentials at capacity, degrading to round-robin",
			"credential", best.id)
		return best, false
	}

	// Every credential unhealthy: offer the trial slot to breakers whose
	// cooldown has elapsed, oldest-use first.
	ordered := make([]*credential, len(list))
	copy(ordered, list)
	for i := range ordered {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].lastUsedAt().Before(ordered[i].lastUsedAt()) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, c := range ordered {
		if c.breaker.Allow() {
			p.logger.Info("admitting unhealthy credential for trial call",
				"credential", c.id)
			return c, true
		}
	}
	return nil, false
}

// nextTrialAt returns the earliest breaker reset time across the
// credentials, with the owning credential's label.
func nextTrialAt(list []*credential) (time.Time, string) {
	var at time.Time
	var id string
	for _, c := range list {
		reset := c.breaker.ResetAt()
		if reset.IsZero() {
			continue
		}
		if at.IsZero() || reset.Before(at) {
			at, id = reset, c.id
		}
	}
	return at, id
}
