package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	require.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "two failures stay closed")
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "third failure opens")
	assert.False(t, b.Allow())
	assert.False(t, b.Healthy())
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// A fresh streak is needed to open again.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCooldownAdmitsSingleProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Exactly one concurrent caller wins the trial slot.
	const callers = 16
	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- b.Allow()
		}()
	}
	wg.Wait()
	close(allowed)

	wins := 0
	for ok := range allowed {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow(), "closed breaker admits everyone")
}

func TestBreakerProbeFailureRestartsCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 30 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "failed probe reopens immediately")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State(), "cooldown restarted from the probe failure")
}

func TestBreakerReleaseProbeReopensSlot(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "slot taken while the trial is pending")

	// An abandoned trial hands the slot back instead of stranding the
	// credential.
	b.ReleaseProbe()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerReleaseProbeIgnoredWhenClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)
	b.ReleaseProbe()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerResetAt(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	assert.True(t, b.ResetAt().IsZero())

	before := time.Now()
	b.RecordFailure()
	resetAt := b.ResetAt()
	assert.WithinDuration(t, before.Add(time.Minute), resetAt, time.Second)
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{}, nil)
	assert.Equal(t, DefaultConfig().FailureThreshold, b.failureThreshold)
	assert.Equal(t, DefaultConfig().Cooldown, b.cooldown)
}
