// Package circuitbreaker tracks per-credential failure history and
// temporarily excludes unhealthy credentials from selection. Each breaker
// operates independently so one bad key never shadows its siblings.
package circuitbreaker

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// State represents the current state of a breaker.
type State int32

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen blocks all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// Cooldown is how long an open breaker waits before re-admitting the
	// credential for a single trial call.
	Cooldown time.Duration
}

// DefaultConfig matches the production posture: three strikes, five-minute
// cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}

// Breaker is a per-credential circuit breaker. All state transitions use
// atomic operations; callers on the hot path never take a lock.
type Breaker struct {
	state           atomic.Int32
	failures        atomic.Int32
	lastFailureTime atomic.Int64 // Unix nanos
	probeInFlight   atomic.Bool

	failureThreshold int
	cooldown         time.Duration

	logger *slog.Logger
}

// New creates a breaker in the closed state.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		logger:           logger.With("component", "circuitbreaker"),
	}
	b.state.Store(int32(StateClosed))
	return b
}

// State returns the breaker's current state, transitioning open → half-open
// when the cooldown has elapsed.
func (b *Breaker) State() State {
	state := State(b.state.Load())
	if state == StateOpen && b.cooldownElapsed() {
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.probeInFlight.Store(false)
			b.logger.Info("circuit breaker state transition",
				"from", StateOpen.String(), "to", StateHalfOpen.String())
		}
		return State(b.state.Load())
	}
	return state
}

// Allow reports whether a call may proceed. In half-open state exactly one
// caller wins the probe slot; everyone else is rejected until the probe
// resolves.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Single trial call: first caller claims the probe slot.
		return b.probeInFlight.CompareAndSwap(false, true)
	default:
		return false
	}
}

// Healthy reports whether the credential is currently considered healthy
// (breaker closed). Half-open credentials are unhealthy-but-probing.
func (b *Breaker) Healthy() bool {
	return b.State() == StateClosed
}

// ReleaseProbe returns an unused probe slot. Callers that win the trial
// slot but abandon the acquisition before any call is made (for example a
// canceled rate-limit wait) must release it, otherwise the credential
// stays excluded until the process restarts.
func (b *Breaker) ReleaseProbe() {
	if State(b.state.Load()) == StateHalfOpen {
		b.probeInFlight.Store(false)
	}
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.failures.Load())
}

// ResetAt returns when an open breaker will next admit a probe, or the zero
// time if the breaker is not open.
func (b *Breaker) ResetAt() time.Time {
	if State(b.state.Load()) != StateOpen {
		return time.Time{}
	}
	return time.Unix(0, b.lastFailureTime.Load()).Add(b.cooldown)
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *Breaker) RecordSuccess() {
	prev := State(b.state.Swap(int32(StateClosed)))
	b.failures.Store(0)
	b.probeInFlight.Store(false)
	if prev != StateClosed {
		b.logger.Info("circuit breaker state transition",
			"from", prev.String(), "to", StateClosed.String())
	}
}

// RecordFailure increments the failure streak and opens the breaker at the
// threshold. A failed half-open probe reopens immediately, restarting the
// cooldown.
func (b *Breaker) RecordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())

	for {
		state := State(b.state.Load())
		switch state {
		case StateClosed:
			failures := b.failures.Add(1)
			if int(failures) >= b.failureThreshold {
				if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
					b.logger.Warn("circuit breaker state transition",
						"from", StateClosed.String(), "to", StateOpen.String(),
						"consecutive_failures", failures)
					return
				}
				continue
			}
			return

		case StateHalfOpen:
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
				b.probeInFlight.Store(false)
				b.logger.Warn("circuit breaker state transition",
					"from", StateHalfOpen.String(), "to", StateOpen.String())
				return
			}
			continue

		default:
			return
		}
	}
}

func (b *Breaker) cooldownElapsed() bool {
	lastFailure := time.Unix(0, b.lastFailureTime.Load())
	return time.Since(lastFailure) > b.cooldown
}
