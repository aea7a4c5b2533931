package keypool

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrank/runner/internal/llm/circuitbreaker"
	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

func testBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{FailureThreshold: 3, Cooldown: time.Minute}
}

func newTestPool(t *testing.T, providers map[string][]CredentialConfig) *Pool {
	t.Helper()
	pool, err := NewPool(providers, testBreakerConfig(), nil)
	require.NoError(t, err)
	return pool
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(map[string][]CredentialConfig{"openai": {}}, testBreakerConfig(), nil)
	assert.Error(t, err, "provider without credentials")

	_, err = NewPool(map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "", Capacity: 10}},
	}, testBreakerConfig(), nil)
	assert.Error(t, err, "empty key")
}

func TestAcquireUnknownProvider(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{Key: "k1", Capacity: 100}},
	})

	_, err := pool.Acquire(context.Background(), "cohere")
	assert.ErrorIs(t, err, llmerrors.ErrUnknownProvider)
}

func TestAcquirePrefersLeastRecentlyUsed(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {
			{ID: "a", Key: "ka", Capacity: 1000, Window: time.Minute},
			{ID: "b", Key: "kb", Capacity: 1000, Window: time.Minute},
		},
	})

	ctx := context.Background()
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		lease, err := pool.Acquire(ctx, "openai")
		require.NoError(t, err)
		seen[lease.CredentialID()]++
	}

	// LRU selection alternates between the two fresh credentials.
	assert.Equal(t, 3, seen["a"])
	assert.Equal(t, 3, seen["b"])
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	// Capacity 1 per long window: the second acquire must wait a full
	// window, so a short deadline fires first.
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1, Window: time.Hour}},
	})

	_, err := pool.Acquire(context.Background(), "openai")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "openai")
	assert.Error(t, err)
}

func TestAcquireExhaustedWhenAllBreakersOpen(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {
			{ID: "a", Key: "ka", Capacity: 1000},
			{ID: "b", Key: "kb", Capacity: 1000},
		},
	})

	ctx := context.Background()
	for _, cred := range pool.creds["openai"] {
		for i := 0; i < 3; i++ {
			cred.breaker.RecordFailure()
		}
	}

	_, err := pool.Acquire(ctx, "openai")
	assert.ErrorIs(t, err, llmerrors.ErrCredentialExhausted)
}

func TestAcquireAdmitsTrialAfterCooldown(t *testing.T) {
	pool, err := NewPool(map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1000}},
	}, circuitbreaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	cred := pool.creds["openai"][0]
	cred.breaker.RecordFailure()

	_, err = pool.Acquire(context.Background(), "openai")
	require.ErrorIs(t, err, llmerrors.ErrCredentialExhausted)

	time.Sleep(30 * time.Millisecond)

	// Cooldown elapsed: exactly one trial acquire is admitted.
	lease, err := pool.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "a", lease.CredentialID())

	_, err = pool.Acquire(context.Background(), "openai")
	assert.ErrorIs(t, err, llmerrors.ErrCredentialExhausted,
		"second trial before the probe resolves is rejected")

	lease.ReportSuccess()
	_, err = pool.Acquire(context.Background(), "openai")
	assert.NoError(t, err, "successful probe closes the breaker")
}

func TestAcquireCanceledTrialReleasesProbe(t *testing.T) {
	pool, err := NewPool(map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1000}},
	}, circuitbreaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	pool.creds["openai"][0].breaker.RecordFailure()
	time.Sleep(30 * time.Millisecond)

	// The trial acquisition dies at the rate-limit wait. The claimed
	// probe slot must be handed back, not leaked.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(canceled, "openai")
	require.Error(t, err)
	require.NotErrorIs(t, err, llmerrors.ErrCredentialExhausted)

	lease, err := pool.Acquire(context.Background(), "openai")
	require.NoError(t, err, "next acquirer claims the released trial")
	assert.Equal(t, "a", lease.CredentialID())

	lease.ReportSuccess()
	_, err = pool.Acquire(context.Background(), "openai")
	assert.NoError(t, err)
}

func TestAcquireExhaustedReportsNextTrial(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1000}},
	})
	for i := 0; i < 3; i++ {
		pool.creds["openai"][0].breaker.RecordFailure()
	}

	_, err := pool.Acquire(context.Background(), "openai")
	require.ErrorIs(t, err, llmerrors.ErrCredentialExhausted)

	var coErr *llmerrors.CircuitOpenError
	require.ErrorAs(t, err, &coErr)
	assert.Equal(t, "openai", coErr.Provider)
	assert.Equal(t, "a", coErr.Credential)
	assert.Greater(t, coErr.ResetAt, time.Now().Unix())
}

func TestAcquireDegradesToRoundRobinOverCapacity(t *testing.T) {
	// Tiny capacity, short spacing: over-capacity acquires must still be
	// granted rather than stalling the batch.
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 2, Window: 100 * time.Millisecond}},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := pool.Acquire(ctx, "openai")
		require.NoError(t, err)
	}
}

// TestAcquireCapacityProperty is the randomized concurrency property: no
// matter how many goroutines contend, grants for one credential never exceed
// its capacity within a rate window.
func TestAcquireCapacityProperty(t *testing.T) {
	const (
		capacity = 4
		window   = 200 * time.Millisecond
		workers  = 8
	)

	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: capacity, Window: window}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*window)
	defer cancel()

	var mu sync.Mutex
	var grants []time.Time

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				if _, err := pool.Acquire(ctx, "openai"); err != nil {
					return
				}
				mu.Lock()
				grants = append(grants, time.Now())
				mu.Unlock()
				time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
			}
		}(int64(i))
	}
	wg.Wait()

	require.NotEmpty(t, grants)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	// Slide a slightly shrunken window over the grant timestamps to absorb
	// scheduler jitter in the recording itself.
	probe := window - 20*time.Millisecond
	for i := range grants {
		count := 0
		for j := i; j < len(grants) && grants[j].Sub(grants[i]) < probe; j++ {
			count++
		}
		assert.LessOrEqualf(t, count, capacity,
			"window starting at grant %d holds %d grants", i, count)
	}
}

func TestMiddlewareStampsKeyAndRecordsOutcomes(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "secret-key", Capacity: 1000}},
	})
	cred := pool.creds["openai"][0]

	var nextErr error
	var sawKey string
	handler := transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		sawKey = req.APIKey
		if nextErr != nil {
			return nil, nextErr
		}
		return &transport.Response{Content: "ok"}, nil
	})
	wrapped := NewMiddleware(pool, nil)(handler)

	ctx := context.Background()
	req := &transport.Request{Provider: "openai", Model: "gpt-4"}

	// Success: key stamped, streak stays zero.
	resp, err := wrapped.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "secret-key", sawKey)
	assert.Empty(t, req.APIKey, "caller's request never carries the secret")
	assert.Equal(t, 0, cred.breaker.ConsecutiveFailures())

	// Credential error: counted against the breaker.
	nextErr = &llmerrors.ProviderError{Provider: "openai", Type: llmerrors.ErrorTypeAuth}
	_, err = wrapped.Handle(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 1, cred.breaker.ConsecutiveFailures())

	// Model error: resets the streak, no penalty.
	nextErr = &llmerrors.ProviderError{Provider: "openai", Type: llmerrors.ErrorTypeModelUnsupported}
	_, err = wrapped.Handle(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 0, cred.breaker.ConsecutiveFailures())
}

func TestMiddlewarePropagatesExhaustion(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1000}},
	})
	for i := 0; i < 3; i++ {
		pool.creds["openai"][0].breaker.RecordFailure()
	}

	handler := transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		t.Fatal("handler must not be reached when credentials are exhausted")
		return nil, nil
	})
	wrapped := NewMiddleware(pool, nil)(handler)

	_, err := wrapped.Handle(context.Background(), &transport.Request{Provider: "openai"})
	assert.ErrorIs(t, err, llmerrors.ErrCredentialExhausted)
}

func TestThreeFailuresExcludeCredentialUntilCooldown(t *testing.T) {
	pool, err := NewPool(map[string][]CredentialConfig{
		"openai": {
			{ID: "bad", Key: "kb", Capacity: 1000},
			{ID: "good", Key: "kg", Capacity: 1000},
		},
	}, testBreakerConfig(), nil)
	require.NoError(t, err)

	bad := pool.creds["openai"][0]
	for i := 0; i < 3; i++ {
		bad.breaker.RecordFailure()
	}

	// Every subsequent acquire lands on the healthy sibling.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		lease, err := pool.Acquire(ctx, "openai")
		require.NoError(t, err)
		assert.Equal(t, "good", lease.CredentialID())
	}
}

func TestErrorsDoNotLeakThroughMiddleware(t *testing.T) {
	pool := newTestPool(t, map[string][]CredentialConfig{
		"openai": {{ID: "a", Key: "ka", Capacity: 1000}},
	})

	wantErr := errors.New("connection reset")
	handler := transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, wantErr
	})
	wrapped := NewMiddleware(pool, nil)(handler)

	_, err := wrapped.Handle(context.Background(), &transport.Request{Provider: "openai"})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, pool.creds["openai"][0].breaker.ConsecutiveFailures())
}
