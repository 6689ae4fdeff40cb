package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/registry"
)

var testKey = registry.VersionKey{ModelID: "sample_det", Version: "1.0.0"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(clock *fakeClock, opts ...Option) *Breaker {
	opts = append(opts, WithClock(clock.Now))
	return New(Policy{
		FailureThreshold:   3,
		UnhealthyThreshold: 2,
		Cooldown:           time.Minute,
		HalfOpenSuccesses:  2,
	}, zap.NewNop().Sugar(), opts...)
}

func TestTripsOnConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var opened []string
	b := newBreaker(clock, WithOnOpen(func(_ registry.VersionKey, reason string) {
		opened = append(opened, reason)
	}))

	b.RecordFailure(testKey)
	b.RecordFailure(testKey)
	ok, _ := b.Allow(testKey)
	assert.True(t, ok)

	b.RecordFailure(testKey)
	ok, remaining := b.Allow(testKey)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, remaining)
	assert.Equal(t, StateOpen, b.StateOf(testKey))
	require.Len(t, opened, 1)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newBreaker(clock)

	b.RecordFailure(testKey)
	b.RecordFailure(testKey)
	b.RecordSuccess(testKey)
	b.RecordFailure(testKey)
	b.RecordFailure(testKey)

	assert.Equal(t, StateClosed, b.StateOf(testKey))
}

func TestTripsOnUnhealthyTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newBreaker(clock)

	b.RecordUnhealthy(testKey)
	assert.Equal(t, StateClosed, b.StateOf(testKey))
	b.RecordUnhealthy(testKey)
	assert.Equal(t, StateOpen, b.StateOf(testKey))
}

func TestHalfOpenClosesAfterProbes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var closed int
	b := newBreaker(clock, WithOnClose(func(_ registry.VersionKey) { closed++ }))

	for i := 0; i < 3; i++ {
		b.RecordFailure(testKey)
	}
	require.Equal(t, StateOpen, b.StateOf(testKey))

	// Still cooling down.
	assert.False(t, b.MarkHalfOpen(testKey))
	assert.Empty(t, b.Expired())

	clock.Advance(time.Minute)
	require.Equal(t, []registry.VersionKey{testKey}, b.Expired())
	require.True(t, b.MarkHalfOpen(testKey))
	assert.Equal(t, StateHalfOpen, b.StateOf(testKey))

	b.RecordSuccess(testKey)
	assert.Equal(t, StateHalfOpen, b.StateOf(testKey))
	b.RecordSuccess(testKey)
	assert.Equal(t, StateClosed, b.StateOf(testKey))
	assert.Equal(t, 1, closed)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure(testKey)
	}
	clock.Advance(time.Minute)
	require.True(t, b.MarkHalfOpen(testKey))

	b.RecordFailure(testKey)
	assert.Equal(t, StateOpen, b.StateOf(testKey))

	// The cooldown restarts from the re-open.
	assert.Empty(t, b.Expired())
	clock.Advance(time.Minute)
	assert.Len(t, b.Expired(), 1)
}

func TestRemoveForgetsCircuit(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure(testKey)
	}
	require.Equal(t, StateOpen, b.StateOf(testKey))

	b.Remove(testKey)
	assert.Equal(t, StateClosed, b.StateOf(testKey))
	ok, _ := b.Allow(testKey)
	assert.True(t, ok)
}

type fakeReactivator struct {
	mu   sync.Mutex
	keys []registry.VersionKey
}

func (r *fakeReactivator) Reactivate(key registry.VersionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *fakeReactivator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func TestRecoveryManagerProbesExpiredCircuits(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure(testKey)
	}
	clock.Advance(time.Minute)

	reactivator := &fakeReactivator{}
	m := NewRecoveryManager(b, reactivator, 5*time.Millisecond, zap.NewNop().Sugar())
	go m.Run()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return b.StateOf(testKey) == StateHalfOpen && reactivator.count() == 1
	}, time.Second, 5*time.Millisecond)
}
