// Package concurrency implements admission control for inference
// execution: a global ceiling, a per-model ceiling and the per-version
// ceiling declared in each contract. Acquisition is all-or-nothing so a
// rejected request never holds a partial reservation.
package concurrency

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/registry"
)

// Backpressure reports how loaded the global pool is. The level is
// advisory: it rides along on responses and metrics but admission
// decisions depend only on the hard limits.
type Backpressure string

const (
	BackpressureNone Backpressure = "NONE"
	BackpressureSoft Backpressure = "SOFT"
	BackpressureHard Backpressure = "HARD"
)

// Default admission limits and thresholds.
const (
	DefaultGlobalLimit  = 32
	DefaultVersionLimit = 1
	DefaultSoftFraction = 0.7
	DefaultHardFraction = 0.9
)

// Limits configures the admission manager. Per-model and per-version
// ceilings are not configured here; they come from each contract's
// max_concurrent_inferences at activation.
type Limits struct {
	Global       int     `mapstructure:"global" validate:"gt=0"`
	SoftFraction float64 `mapstructure:"soft_fraction" validate:"gt=0,lt=1"`
	HardFraction float64 `mapstructure:"hard_fraction" validate:"gt=0,lte=1"`
}

// DefaultLimits returns the stock admission configuration.
func DefaultLimits() Limits {
	return Limits{
		Global:       DefaultGlobalLimit,
		SoftFraction: DefaultSoftFraction,
		HardFraction: DefaultHardFraction,
	}
}

// Slot is one admitted execution. Release is idempotent.
type Slot struct {
	key      registry.VersionKey
	acquired time.Time
	release  func()
	once     sync.Once
}

// Key returns the version the slot was admitted for.
func (s *Slot) Key() registry.VersionKey { return s.key }

// Age returns how long the slot has been held.
func (s *Slot) Age() time.Duration { return time.Since(s.acquired) }

// Release returns the slot to the pool. Calling it more than once has
// no effect.
func (s *Slot) Release() {
	s.once.Do(s.release)
}

// Manager tracks outstanding executions against the configured limits.
// Version limits are registered when a version activates; a model's
// ceiling is the largest limit among its registered versions, so a
// single-version model serves at exactly its declared concurrency.
type Manager struct {
	limits Limits
	logger *zap.SugaredLogger

	mu            sync.Mutex
	draining      bool
	global        int
	perModel      map[string]int
	perVersion    map[registry.VersionKey]int
	versionLimits map[registry.VersionKey]int
	slots         map[*Slot]struct{}
}

// NewManager builds an admission manager; zero-valued limits fall back
// to defaults.
func NewManager(limits Limits, logger *zap.SugaredLogger) *Manager {
	def := DefaultLimits()
	if limits.Global <= 0 {
		limits.Global = def.Global
	}
	if limits.SoftFraction <= 0 || limits.SoftFraction >= 1 {
		limits.SoftFraction = def.SoftFraction
	}
	if limits.HardFraction <= limits.SoftFraction || limits.HardFraction > 1 {
		limits.HardFraction = def.HardFraction
	}
	return &Manager{
		limits:        limits,
		logger:        logger,
		perModel:      make(map[string]int),
		perVersion:    make(map[registry.VersionKey]int),
		versionLimits: make(map[registry.VersionKey]int),
		slots:         make(map[*Slot]struct{}),
	}
}

// RegisterVersion records the contract's max_concurrent_inferences for
// an activated version. A non-positive limit registers the default of
// one.
func (m *Manager) RegisterVersion(key registry.VersionKey, limit int) {
	if limit <= 0 {
		limit = DefaultVersionLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionLimits[key] = limit
}

// UnregisterVersion forgets the limit of a deactivated version.
// Outstanding slots keep counting until released.
func (m *Manager) UnregisterVersion(key registry.VersionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versionLimits, key)
}

// SetDraining flips the manager into shutdown mode: every acquisition
// is refused with a retryable backpressure rejection while in-flight
// slots drain normally.
func (m *Manager) SetDraining(draining bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draining = draining
}

func (m *Manager) versionLimitLocked(key registry.VersionKey) int {
	if limit, ok := m.versionLimits[key]; ok {
		return limit
	}
	return DefaultVersionLimit
}

func (m *Manager) modelLimitLocked(modelID string) int {
	limit := 0
	for key, l := range m.versionLimits {
		if key.ModelID == modelID && l > limit {
			limit = l
		}
	}
	if limit == 0 {
		limit = DefaultVersionLimit
	}
	return limit
}

// TryAcquire admits one execution for the version or rejects it with a
// classified, retryable error. Checks run global first, then model,
// then version; all counters move together under one lock.
func (m *Manager) TryAcquire(key registry.VersionKey) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining {
		return nil, errdefs.New(errdefs.PipeConcurrencyBackpressure, "runtime is draining and refuses new work").
			WithModel(key.ModelID, key.Version)
	}
	if m.global >= m.limits.Global {
		return nil, errdefs.Newf(errdefs.PipeConcurrencyGlobal, "global concurrency limit %d reached", m.limits.Global).
			WithModel(key.ModelID, key.Version)
	}
	if modelLimit := m.modelLimitLocked(key.ModelID); m.perModel[key.ModelID] >= modelLimit {
		return nil, errdefs.Newf(errdefs.PipeConcurrencyModel, "model concurrency limit %d reached", modelLimit).
			WithModel(key.ModelID, key.Version)
	}
	if versionLimit := m.versionLimitLocked(key); m.perVersion[key] >= versionLimit {
		return nil, errdefs.Newf(errdefs.PipeConcurrencyVersion, "version concurrency limit %d reached", versionLimit).
			WithModel(key.ModelID, key.Version)
	}

	m.global++
	m.perModel[key.ModelID]++
	m.perVersion[key]++

	slot := &Slot{key: key, acquired: time.Now()}
	slot.release = func() { m.releaseSlot(slot) }
	m.slots[slot] = struct{}{}
	return slot, nil
}

func (m *Manager) releaseSlot(slot *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slot.key
	m.global--
	if m.perModel[key.ModelID]--; m.perModel[key.ModelID] <= 0 {
		delete(m.perModel, key.ModelID)
	}
	if m.perVersion[key]--; m.perVersion[key] <= 0 {
		delete(m.perVersion, key)
	}
	delete(m.slots, slot)
}

// Level returns the current backpressure band.
func (m *Manager) Level() Backpressure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelLocked()
}

func (m *Manager) levelLocked() Backpressure {
	used := float64(m.global) / float64(m.limits.Global)
	switch {
	case used >= m.limits.HardFraction:
		return BackpressureHard
	case used >= m.limits.SoftFraction:
		return BackpressureSoft
	default:
		return BackpressureNone
	}
}

// Usage is a point-in-time view of the admission state, for diagnostics
// and metrics.
type Usage struct {
	Global     int
	PerModel   map[string]int
	PerVersion map[registry.VersionKey]int
	Level      Backpressure
}

// Snapshot copies the current usage counters.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := Usage{
		Global:     m.global,
		PerModel:   make(map[string]int, len(m.perModel)),
		PerVersion: make(map[registry.VersionKey]int, len(m.perVersion)),
		Level:      m.levelLocked(),
	}
	for k, v := range m.perModel {
		u.PerModel[k] = v
	}
	for k, v := range m.perVersion {
		u.PerVersion[k] = v
	}
	return u
}

// StaleSlots returns slots held longer than threshold. A non-empty
// result during idle traffic is the leak indicator operators page on.
func (m *Manager) StaleSlots(threshold time.Duration) []registry.VersionKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []registry.VersionKey
	for slot := range m.slots {
		if time.Since(slot.acquired) > threshold {
			stale = append(stale, slot.key)
		}
	}
	return stale
}
