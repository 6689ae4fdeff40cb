// Package registry implements the thread-safe in-memory store of model
// version descriptors, their lifecycle state machine and change events.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
)

// LoadState is the lifecycle state of one model version.
type LoadState string

const (
	StateDiscovered LoadState = "DISCOVERED"
	StateValidating LoadState = "VALIDATING"
	StateValid      LoadState = "VALID"
	StateInvalid    LoadState = "INVALID"
	StateLoading    LoadState = "LOADING"
	StateReady      LoadState = "READY"
	StateFailed     LoadState = "FAILED"
	StateUnloading  LoadState = "UNLOADING"
	StateDisabled   LoadState = "DISABLED"
)

// HealthStatus is the execution health of one version, orthogonal to
// its lifecycle state.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// ModelHealth is the derived model-level health; it is computed, never
// stored.
type ModelHealth string

const (
	ModelHealthy     ModelHealth = "HEALTHY"
	ModelDegraded    ModelHealth = "DEGRADED"
	ModelUnavailable ModelHealth = "UNAVAILABLE"
)

// allowedTransitions is the closed edge set of the state machine.
var allowedTransitions = map[LoadState][]LoadState{
	StateDiscovered: {StateValidating},
	StateValidating: {StateValid, StateInvalid},
	StateValid:      {StateLoading},
	StateInvalid:    {StateValidating},
	StateLoading:    {StateReady, StateFailed},
	StateReady:      {StateUnloading, StateDisabled, StateFailed},
	StateFailed:     {StateValidating},
	StateDisabled:   {StateReady, StateValidating},
	StateUnloading:  {},
}

// VersionKey identifies one (model_id, version) pair.
type VersionKey struct {
	ModelID string
	Version string
}

func (k VersionKey) String() string { return k.ModelID + "/" + k.Version }

// VersionRecord is the mutable registry entry for one version. Reads
// return copies; the descriptor itself is immutable after validation.
type VersionRecord struct {
	Key          VersionKey
	Descriptor   *contract.Descriptor
	State        LoadState
	Health       HealthStatus
	ErrorCode    string
	ErrorMessage string
	UpdatedAt    time.Time
}

// EventType discriminates registry events.
type EventType string

const (
	EventRegistered    EventType = "REGISTERED"
	EventStateChanged  EventType = "STATE_CHANGED"
	EventHealthChanged EventType = "HEALTH_CHANGED"
	EventRemoved       EventType = "REMOVED"
)

// Event is emitted on every observable registry change. Events are
// totally ordered per version; Seq is the per-version sequence number.
type Event struct {
	Type      EventType
	Key       VersionKey
	State     LoadState
	PrevState LoadState
	Health    HealthStatus
	Seq       uint64
}

// Subscriber receives registry events synchronously in the mutator's
// context. Subscribers must be non-blocking and must not re-enter the
// registry's write path.
type Subscriber func(Event)

type entry struct {
	rec VersionRecord
	seq uint64
}

// Registry is the single cross-component shared mutable structure. All
// mutation goes through its locked API.
type Registry struct {
	mu       sync.RWMutex
	versions map[VersionKey]*entry
	subs     []Subscriber
	logger   *zap.SugaredLogger
}

// New creates an empty registry.
func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		versions: make(map[VersionKey]*entry),
		logger:   logger,
	}
}

// Subscribe registers a callback for all subsequent events.
func (r *Registry) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
}

// emit must be called with the write lock held; holding the lock is what
// gives per-version total ordering.
func (r *Registry) emit(ev Event) {
	for _, s := range r.subs {
		s(ev)
	}
}

// Register inserts a freshly discovered version. The descriptor is not
// known yet at discovery time; it is attached by SetDescriptor once
// validation succeeds.
func (r *Registry) Register(key VersionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.versions[key]; ok {
		return errdefs.Newf(errdefs.RegistryAlreadyRegistered, "version %s already registered", key).
			WithModel(key.ModelID, key.Version)
	}

	e := &entry{
		rec: VersionRecord{
			Key:       key,
			State:     StateDiscovered,
			Health:    HealthUnknown,
			UpdatedAt: time.Now(),
		},
		seq: 1,
	}
	r.versions[key] = e
	r.emit(Event{Type: EventRegistered, Key: key, State: StateDiscovered, Health: HealthUnknown, Seq: e.seq})
	return nil
}

// SetDescriptor attaches the validated descriptor. Only legal while the
// version is VALIDATING.
func (r *Registry) SetDescriptor(key VersionKey, desc *contract.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.versions[key]
	if !ok {
		return notFound(key)
	}
	if e.rec.State != StateValidating {
		return errdefs.Newf(errdefs.RegistryInvalidTransition, "cannot attach descriptor in state %s", e.rec.State).
			WithModel(key.ModelID, key.Version)
	}
	e.rec.Descriptor = desc
	return nil
}

// UpdateStateOption carries optional error context on a transition.
type UpdateStateOption func(*VersionRecord)

// WithError records the error code and message that caused the
// transition.
func WithError(code, message string) UpdateStateOption {
	return func(rec *VersionRecord) {
		rec.ErrorCode = code
		rec.ErrorMessage = message
	}
}

// UpdateState transitions a version along an allowed edge and emits a
// STATE_CHANGED event. Transitions off the edge set fail with
// RegistryInvalidTransition.
func (r *Registry) UpdateState(key VersionKey, next LoadState, opts ...UpdateStateOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.versions[key]
	if !ok {
		return notFound(key)
	}

	prev := e.rec.State
	if !transitionAllowed(prev, next) {
		return errdefs.Newf(errdefs.RegistryInvalidTransition, "transition %s -> %s not allowed", prev, next).
			WithModel(key.ModelID, key.Version).
			WithExpected(joinStates(allowedTransitions[prev]), string(next))
	}

	e.rec.State = next
	e.rec.ErrorCode = ""
	e.rec.ErrorMessage = ""
	e.rec.UpdatedAt = time.Now()
	for _, o := range opts {
		o(&e.rec)
	}

	e.seq++
	r.emit(Event{Type: EventStateChanged, Key: key, State: next, PrevState: prev, Health: e.rec.Health, Seq: e.seq})
	return nil
}

// UpdateHealth overwrites the version health unconditionally; an event
// is emitted only when the value changed.
func (r *Registry) UpdateHealth(key VersionKey, health HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.versions[key]
	if !ok {
		return notFound(key)
	}
	if e.rec.Health == health {
		return nil
	}
	e.rec.Health = health
	e.rec.UpdatedAt = time.Now()
	e.seq++
	r.emit(Event{Type: EventHealthChanged, Key: key, State: e.rec.State, Health: health, Seq: e.seq})
	return nil
}

// Remove deletes a version after UNLOADING and emits a REMOVED event.
func (r *Registry) Remove(key VersionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.versions[key]
	if !ok {
		return notFound(key)
	}
	if e.rec.State != StateUnloading {
		return errdefs.Newf(errdefs.RegistryInvalidTransition, "cannot remove version in state %s", e.rec.State).
			WithModel(key.ModelID, key.Version)
	}
	delete(r.versions, key)
	r.emit(Event{Type: EventRemoved, Key: key, State: e.rec.State, Health: e.rec.Health, Seq: e.seq + 1})
	return nil
}

// Get returns a snapshot copy of one version record.
func (r *Registry) Get(key VersionKey) (VersionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.versions[key]
	if !ok {
		return VersionRecord{}, false
	}
	return e.rec, true
}

// VersionsOf returns snapshot copies of all versions of one model.
func (r *Registry) VersionsOf(modelID string) []VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []VersionRecord
	for key, e := range r.versions {
		if key.ModelID == modelID {
			out = append(out, e.rec)
		}
	}
	return out
}

// ByState returns snapshot copies of all versions in the given state.
func (r *Registry) ByState(state LoadState) []VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []VersionRecord
	for _, e := range r.versions {
		if e.rec.State == state {
			out = append(out, e.rec)
		}
	}
	return out
}

// Snapshot returns a consistent copy of the whole registry.
func (r *Registry) Snapshot() []VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VersionRecord, 0, len(r.versions))
	for _, e := range r.versions {
		out = append(out, e.rec)
	}
	return out
}

// ModelIDs returns the distinct model identifiers present.
func (r *Registry) ModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for key := range r.versions {
		if !seen[key.ModelID] {
			seen[key.ModelID] = true
			out = append(out, key.ModelID)
		}
	}
	return out
}

// DeriveModelHealth computes model-level health from its versions: any
// READY+HEALTHY version makes the model HEALTHY, else any READY+DEGRADED
// makes it DEGRADED, else it is UNAVAILABLE.
func DeriveModelHealth(versions []VersionRecord) ModelHealth {
	degraded := false
	for _, rec := range versions {
		if rec.State != StateReady {
			continue
		}
		switch rec.Health {
		case HealthHealthy:
			return ModelHealthy
		case HealthDegraded:
			degraded = true
		}
	}
	if degraded {
		return ModelDegraded
	}
	return ModelUnavailable
}

func transitionAllowed(from, to LoadState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func joinStates(states []LoadState) string {
	s := ""
	for i, st := range states {
		if i > 0 {
			s += ","
		}
		s += string(st)
	}
	return s
}

func notFound(key VersionKey) error {
	return errdefs.Newf(errdefs.RegistryNotFound, "version %s not registered", key).
		WithModel(key.ModelID, key.Version)
}
