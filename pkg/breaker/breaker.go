// Package breaker implements per-version circuit breaking. A circuit
// trips on consecutive execution failures or on repeated unhealthy
// transitions, cools down while open, then admits a limited probe
// stream before closing again.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/registry"
)

// State is the condition of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Policy configures when circuits trip and recover.
type Policy struct {
	// FailureThreshold trips the circuit after this many consecutive
	// execution failures.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gt=0"`
	// UnhealthyThreshold trips the circuit after this many transitions
	// into UNHEALTHY.
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold" validate:"gt=0"`
	// Cooldown is how long an open circuit stays closed to traffic.
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gt=0"`
	// HalfOpenSuccesses is the number of consecutive probe successes
	// required to close a half-open circuit.
	HalfOpenSuccesses int `mapstructure:"half_open_successes" validate:"gt=0"`
}

// DefaultPolicy returns the stock breaker policy.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:   5,
		UnhealthyThreshold: 3,
		Cooldown:           60 * time.Second,
		HalfOpenSuccesses:  3,
	}
}

type circuit struct {
	state        State
	failures     int
	unhealthy    int
	probeSuccess int
	openedAt     time.Time
	reason       string
}

// Breaker holds one circuit per version. Circuits are created lazily in
// the CLOSED state and removed when the version is unloaded.
type Breaker struct {
	policy Policy
	logger *zap.SugaredLogger

	onOpen  func(key registry.VersionKey, reason string)
	onClose func(key registry.VersionKey)

	now func() time.Time

	mu       sync.Mutex
	circuits map[registry.VersionKey]*circuit
}

// Option customizes breaker construction.
type Option func(*Breaker)

// WithOnOpen registers a callback fired when a circuit trips.
func WithOnOpen(fn func(key registry.VersionKey, reason string)) Option {
	return func(b *Breaker) { b.onOpen = fn }
}

// WithOnClose registers a callback fired when a circuit closes again.
func WithOnClose(fn func(key registry.VersionKey)) Option {
	return func(b *Breaker) { b.onClose = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a breaker; zero-valued policy fields fall back to defaults.
func New(policy Policy, logger *zap.SugaredLogger, opts ...Option) *Breaker {
	def := DefaultPolicy()
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = def.FailureThreshold
	}
	if policy.UnhealthyThreshold <= 0 {
		policy.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = def.Cooldown
	}
	if policy.HalfOpenSuccesses <= 0 {
		policy.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	b := &Breaker{
		policy:   policy,
		logger:   logger,
		now:      time.Now,
		circuits: make(map[registry.VersionKey]*circuit),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) circuitLocked(key registry.VersionKey) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether traffic may flow to the version. For an open
// circuit it also returns the cooldown remaining.
func (b *Breaker) Allow(key registry.VersionKey) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	if c.state != StateOpen {
		return true, 0
	}
	remaining := b.policy.Cooldown - b.now().Sub(c.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining
}

// RecordSuccess feeds one successful execution into the circuit.
func (b *Breaker) RecordSuccess(key registry.VersionKey) {
	var closed bool
	b.mu.Lock()
	c := b.circuitLocked(key)
	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.probeSuccess++
		if c.probeSuccess >= b.policy.HalfOpenSuccesses {
			b.resetLocked(c)
			closed = true
		}
	}
	b.mu.Unlock()

	if closed {
		b.logger.Infow("Circuit closed after successful probes", "version", key)
		if b.onClose != nil {
			b.onClose(key)
		}
	}
}

// RecordFailure feeds one failed execution into the circuit. A failure
// while half-open re-opens immediately.
func (b *Breaker) RecordFailure(key registry.VersionKey) {
	var opened bool
	var reason string

	b.mu.Lock()
	c := b.circuitLocked(key)
	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= b.policy.FailureThreshold {
			reason = "consecutive execution failures"
			b.openLocked(c, reason)
			opened = true
		}
	case StateHalfOpen:
		reason = "probe failure while half-open"
		b.openLocked(c, reason)
		opened = true
	}
	b.mu.Unlock()

	if opened {
		b.logger.Warnw("Circuit opened", "version", key, "reason", reason)
		if b.onOpen != nil {
			b.onOpen(key, reason)
		}
	}
}

// RecordUnhealthy feeds one transition into UNHEALTHY. Enough of them
// trips the circuit even when individual executions keep succeeding.
func (b *Breaker) RecordUnhealthy(key registry.VersionKey) {
	var opened bool

	b.mu.Lock()
	c := b.circuitLocked(key)
	if c.state == StateClosed {
		c.unhealthy++
		if c.unhealthy >= b.policy.UnhealthyThreshold {
			b.openLocked(c, "repeated unhealthy transitions")
			opened = true
		}
	}
	b.mu.Unlock()

	if opened {
		b.logger.Warnw("Circuit opened", "version", key, "reason", "repeated unhealthy transitions")
		if b.onOpen != nil {
			b.onOpen(key, "repeated unhealthy transitions")
		}
	}
}

func (b *Breaker) openLocked(c *circuit, reason string) {
	c.state = StateOpen
	c.openedAt = b.now()
	c.reason = reason
	c.probeSuccess = 0
}

func (b *Breaker) resetLocked(c *circuit) {
	c.state = StateClosed
	c.failures = 0
	c.unhealthy = 0
	c.probeSuccess = 0
	c.reason = ""
}

// MarkHalfOpen moves an open circuit whose cooldown elapsed into the
// probing state. It is a no-op for circuits in any other state or still
// cooling down.
func (b *Breaker) MarkHalfOpen(key registry.VersionKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	if c.state != StateOpen || b.now().Sub(c.openedAt) < b.policy.Cooldown {
		return false
	}
	c.state = StateHalfOpen
	c.probeSuccess = 0
	return true
}

// Expired lists open circuits whose cooldown has elapsed.
func (b *Breaker) Expired() []registry.VersionKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []registry.VersionKey
	for key, c := range b.circuits {
		if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.policy.Cooldown {
			expired = append(expired, key)
		}
	}
	return expired
}

// StateOf returns the circuit state; versions never seen are CLOSED.
func (b *Breaker) StateOf(key registry.VersionKey) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Remove forgets the circuit, for unloaded versions.
func (b *Breaker) Remove(key registry.VersionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
}
