// Package ratelimit provides an optional fleet-wide rate limit layer on top
// of the per-credential limiters in keypool. When multiple runner instances
// share the same provider accounts, a Redis fixed-window counter caps the
// combined request rate per provider. If Redis is unreachable the middleware
// degrades to per-credential limiting only instead of failing requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmrank/runner/internal/llm/llmerrors"
	"github.com/llmrank/runner/internal/llm/transport"
)

const (
	redisReadTimeout  = 5 * time.Second
	redisWriteTimeout = 5 * time.Second
	redisPoolSize     = 10

	minRetryAfterSeconds = 1
	maxRetryAfterSeconds = 3600
)

// fixedWindowScript counts requests per provider in a fixed window. Counter
// initialization, increment, and TTL repair happen in one atomic call.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		local ttl = redis.call('PTTL', key)
		if ttl == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end

	local ttl = redis.call('PTTL', key)
	return {0, ttl}
`)

// Config controls the global limiter.
type Config struct {
	// Enabled turns the global layer on. When false the middleware is a
	// pass-through.
	Enabled bool

	// RedisAddr, RedisPassword, RedisDB configure the Redis connection
	// when no client is injected.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ConnectTimeout bounds the startup ping.
	ConnectTimeout time.Duration

	// RequestsPerWindow caps combined requests per provider per window
	// across all instances. Zero disables the check.
	RequestsPerWindow int

	// Window is the fixed window duration. Zero means one minute, the
	// same window the credential limiters use.
	Window time.Duration
}

// GlobalLimiter enforces the distributed per-provider limit.
type GlobalLimiter struct {
	client redis.Cmdable
	cfg    Config

	// degraded flips on at the first Redis infrastructure error and stays
	// on; per-credential limiting still bounds the request rate.
	degraded atomic.Bool

	logger *slog.Logger
}

// New creates a GlobalLimiter. A nil client with Enabled=true dials Redis
// from the config; a failed startup ping starts the limiter degraded rather
// than failing construction.
func New(cfg Config, client redis.Cmdable, logger *slog.Logger) *GlobalLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	gl := &GlobalLimiter{
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
	}

	if !cfg.Enabled {
		return gl
	}

	if client == nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  redisReadTimeout,
			WriteTimeout: redisWriteTimeout,
			PoolSize:     redisPoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			gl.logger.Warn("redis unreachable, global rate limiting degraded to local-only",
				"error", err)
			gl.degraded.Store(true)
		}
		client = rdb
	}
	gl.client = client
	return gl
}

// Degraded reports whether the limiter has fallen back to local-only mode.
func (g *GlobalLimiter) Degraded() bool { return g.degraded.Load() }

// Allow checks the fixed-window counter for the provider. A Redis
// infrastructure error switches to degraded mode and allows the request;
// an exceeded window returns a RateLimitError with retry timing.
func (g *GlobalLimiter) Allow(ctx context.Context, provider string) error {
	if !g.cfg.Enabled || g.cfg.RequestsPerWindow <= 0 || g.degraded.Load() || g.client == nil {
		return nil
	}

	key := fmt.Sprintf("rl:provider:%s", provider)
	result, err := fixedWindowScript.Run(ctx, g.client, []string{key},
		g.cfg.Window.Milliseconds(), int64(g.cfg.RequestsPerWindow)).Result()
	if err != nil {
		if isRedisError(err) {
			g.logger.Warn("redis error, switching to degraded mode", "error", err)
			g.degraded.Store(true)
			return nil
		}
		return fmt.Errorf("global rate limit check: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		g.logger.Warn("unexpected redis response, switching to degraded mode", "response", result)
		g.degraded.Store(true)
		return nil
	}
	allowed, ok := res[0].(int64)
	if !ok {
		g.logger.Warn("unexpected redis response, switching to degraded mode", "response", result)
		g.degraded.Store(true)
		return nil
	}

	if allowed == 0 {
		retryMs, _ := res[1].(int64)
		retrySecs := int(retryMs / 1000)
		if retrySecs < minRetryAfterSeconds {
			retrySecs = minRetryAfterSeconds
		}
		if retrySecs > maxRetryAfterSeconds {
			retrySecs = maxRetryAfterSeconds
		}
		return &llmerrors.RateLimitError{
			Provider:   provider,
			Limit:      g.cfg.RequestsPerWindow,
			RetryAfter: retrySecs,
		}
	}
	return nil
}

// Middleware wraps a handler with the global limit check. It runs before the
// keypool middleware so a fleet-wide rejection never consumes a credential's
// window budget.
func (g *GlobalLimiter) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := g.Allow(ctx, req.Provider); err != nil {
				return nil, err
			}
			return next.Handle(ctx, req)
		})
	}
}

// isRedisError distinguishes Redis infrastructure failures (degrade) from
// application errors (propagate).
func isRedisError(err error) bool {
	if err == nil {
		return false
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
