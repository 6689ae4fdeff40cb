// Package resolver maps an inference request onto one concrete version
// to execute: either the exact version the caller pinned, or the
// highest eligible semantic version of the model.
package resolver

import (
	"sort"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/semver"
)

// CircuitReader answers whether a version's circuit blocks traffic.
type CircuitReader interface {
	StateOf(key registry.VersionKey) breaker.State
}

// Resolver selects versions from registry snapshots. It holds no state
// of its own, so a resolution is a pure function of the snapshot it
// reads.
type Resolver struct {
	registry *registry.Registry
	circuits CircuitReader
	logger   *zap.SugaredLogger
}

// New builds a resolver.
func New(reg *registry.Registry, circuits CircuitReader, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{registry: reg, circuits: circuits, logger: logger}
}

// Resolve picks the version to serve. An empty version selects the
// highest eligible release; a pinned version must itself be servable.
func (r *Resolver) Resolve(modelID, version string) (registry.VersionRecord, error) {
	if version != "" {
		return r.explicit(modelID, version)
	}
	return r.implicit(modelID)
}

func (r *Resolver) explicit(modelID, version string) (registry.VersionRecord, error) {
	key := registry.VersionKey{ModelID: modelID, Version: version}
	rec, ok := r.registry.Get(key)
	if !ok {
		if len(r.registry.VersionsOf(modelID)) == 0 {
			return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeModelNotFound, "model %q is not installed", modelID).
				WithModel(modelID, version)
		}
		return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeVersionNotFound, "version %q of model %q is not installed", version, modelID).
			WithModel(modelID, version)
	}

	if rec.State == registry.StateDisabled {
		if r.modelDown(modelID) {
			return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeModelUnhealthy, "model %q has no healthy version", modelID).
				WithModel(modelID, version)
		}
		return registry.VersionRecord{}, errdefs.New(errdefs.PipeVersionNotReady, "version is DISABLED, not READY").
			WithModel(modelID, version)
	}
	if rec.State != registry.StateReady {
		return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeVersionNotReady, "version is %s, not READY", rec.State).
			WithModel(modelID, version)
	}
	if rec.Health == registry.HealthUnhealthy || r.circuits.StateOf(key) == breaker.StateOpen {
		if r.modelDown(modelID) {
			return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeModelUnhealthy, "model %q has no healthy version", modelID).
				WithModel(modelID, version)
		}
		return registry.VersionRecord{}, errdefs.New(errdefs.PipeVersionUnhealthy, "version is unhealthy").
			WithModel(modelID, version)
	}
	return rec, nil
}

// implicit returns the highest eligible version by semantic-version
// order. Prereleases never serve implicit traffic; they must be pinned.
func (r *Resolver) implicit(modelID string) (registry.VersionRecord, error) {
	versions := r.registry.VersionsOf(modelID)
	if len(versions) == 0 {
		return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeModelNotFound, "model %q is not installed", modelID).
			WithModel(modelID, "")
	}

	var eligible []registry.VersionRecord
	down := 0
	for _, rec := range versions {
		if r.eligible(rec) {
			eligible = append(eligible, rec)
		}
		if r.healthDown(rec) {
			down++
		}
	}
	if len(eligible) == 0 {
		if down == len(versions) {
			return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeModelUnhealthy, "model %q has no healthy version", modelID).
				WithModel(modelID, "")
		}
		return registry.VersionRecord{}, errdefs.Newf(errdefs.PipeNoEligibleVersion, "model %q has no eligible version", modelID).
			WithModel(modelID, "")
	}

	sort.Slice(eligible, func(i, j int) bool {
		return semver.Compare(eligible[i].Descriptor.Version, eligible[j].Descriptor.Version) > 0
	})
	return eligible[0], nil
}

func (r *Resolver) eligible(rec registry.VersionRecord) bool {
	if rec.State != registry.StateReady || rec.Descriptor == nil {
		return false
	}
	if rec.Descriptor.Version.IsPrerelease() {
		return false
	}
	// UNKNOWN is a fresh load with no executions yet; it may serve.
	if rec.Health == registry.HealthUnhealthy {
		return false
	}
	return r.circuits.StateOf(rec.Key) != breaker.StateOpen
}

// healthDown reports whether a version is out of traffic because of its
// health: disabled by a tripped circuit, an unhealthy window, or an
// open circuit. Versions merely validating, loading or invalid are not
// health casualties.
func (r *Resolver) healthDown(rec registry.VersionRecord) bool {
	switch {
	case rec.State == registry.StateDisabled:
		return true
	case rec.State != registry.StateReady:
		return false
	case rec.Health == registry.HealthUnhealthy:
		return true
	default:
		return r.circuits.StateOf(rec.Key) == breaker.StateOpen
	}
}

// modelDown reports whether every installed version of the model is
// health-down.
func (r *Resolver) modelDown(modelID string) bool {
	versions := r.registry.VersionsOf(modelID)
	if len(versions) == 0 {
		return false
	}
	for _, rec := range versions {
		if !r.healthDown(rec) {
			return false
		}
	}
	return true
}
