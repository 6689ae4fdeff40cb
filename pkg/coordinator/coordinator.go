// Package coordinator owns version lifecycle transitions that span
// multiple components: loading a validated version into a sandbox,
// disabling it when its circuit trips, letting probe traffic back in
// after cooldown, and unloading. All transitions for a version are
// serialized under one mutex so no interleaving can leave the registry
// and the sandbox set disagreeing.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/concurrency"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/loader"
	"github.com/visionworks/inferd/pkg/metrics"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/sandbox"
)

// Coordinator moves versions between VALID, LOADING, READY, DISABLED,
// FAILED and UNLOADING while keeping the sandbox set and the admission
// limits in step: a version holds a sandbox and a registered limit
// exactly while it is READY.
type Coordinator struct {
	registry  *registry.Registry
	loader    *loader.Loader
	breaker   *breaker.Breaker
	admission *concurrency.Manager
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	sandboxes map[registry.VersionKey]*sandbox.Sandbox
}

// New builds a coordinator.
func New(reg *registry.Registry, ldr *loader.Loader, brk *breaker.Breaker, adm *concurrency.Manager, m *metrics.Metrics, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		registry:  reg,
		loader:    ldr,
		breaker:   brk,
		admission: adm,
		metrics:   m,
		logger:    logger,
		sandboxes: make(map[registry.VersionKey]*sandbox.Sandbox),
	}
}

// healthSink routes sandbox health into the registry and feeds
// unhealthy transitions to the circuit breaker.
type healthSink struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
}

func (s *healthSink) UpdateHealth(key registry.VersionKey, health registry.HealthStatus) error {
	if health == registry.HealthUnhealthy {
		s.breaker.RecordUnhealthy(key)
	}
	return s.registry.UpdateHealth(key, health)
}

// loadLocked runs the loader, records load metrics and builds the
// sandbox. The caller holds c.mu and has already moved the registry
// state to a loading-compatible one.
func (c *Coordinator) loadLocked(ctx context.Context, key registry.VersionKey, rec registry.VersionRecord) (*sandbox.Sandbox, error) {
	start := time.Now()
	loaded, err := c.loader.Load(ctx, rec.Descriptor)
	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.metrics.ModelLoads.WithLabelValues(outcome).Inc()
		c.metrics.LoadDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return sandbox.New(key, loaded, &healthSink{registry: c.registry, breaker: c.breaker}, c.logger), nil
}

// Activate loads a VALID version and brings it to READY. On failure the
// version lands in FAILED with the classified error recorded.
func (c *Coordinator) Activate(ctx context.Context, key registry.VersionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.registry.Get(key)
	if !ok {
		return errdefs.Newf(errdefs.RegistryNotFound, "version %s is not registered", key)
	}
	if rec.State != registry.StateValid {
		return errdefs.Newf(errdefs.RegistryInvalidTransition, "cannot activate version in state %s", rec.State)
	}
	if err := c.registry.UpdateState(key, registry.StateLoading); err != nil {
		return err
	}

	sb, err := c.loadLocked(ctx, key, rec)
	if err != nil {
		typed := errdefs.AsError(err, errdefs.LoadFailed)
		_ = c.registry.UpdateState(key, registry.StateFailed,
			registry.WithError(string(typed.Kind), typed.Message))
		return err
	}
	c.sandboxes[key] = sb

	if err := c.registry.UpdateState(key, registry.StateReady); err != nil {
		delete(c.sandboxes, key)
		_ = sb.Close()
		return err
	}
	c.admission.RegisterVersion(key, rec.Descriptor.Limits.MaxConcurrentInferences)
	return nil
}

// SandboxFor returns the sandbox serving a version.
func (c *Coordinator) SandboxFor(key registry.VersionKey) (*sandbox.Sandbox, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sb, ok := c.sandboxes[key]
	return sb, ok
}

// OnCircuitOpen disables a READY version whose circuit tripped.
func (c *Coordinator) OnCircuitOpen(key registry.VersionKey, reason string) {
	if err := c.Disable(key, "CIRCUIT_OPEN", reason); err != nil {
		c.logger.Warnw("Cannot disable version", "version", key, "error", err)
	}
}

// Disable takes a READY version out of traffic and destroys its
// sandbox. Disabling an already DISABLED version is a no-op.
func (c *Coordinator) Disable(key registry.VersionKey, code, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.registry.Get(key)
	if !ok {
		return errdefs.Newf(errdefs.RegistryNotFound, "version %s is not registered", key)
	}
	if rec.State == registry.StateDisabled {
		return nil
	}
	if rec.State != registry.StateReady {
		return errdefs.Newf(errdefs.RegistryInvalidTransition, "cannot disable version in state %s", rec.State)
	}
	if err := c.registry.UpdateState(key, registry.StateDisabled, registry.WithError(code, reason)); err != nil {
		return err
	}
	c.destroySandboxLocked(key)
	return nil
}

func (c *Coordinator) destroySandboxLocked(key registry.VersionKey) {
	c.admission.UnregisterVersion(key)
	if sb, ok := c.sandboxes[key]; ok {
		if err := sb.Close(); err != nil {
			c.logger.Warnw("Sandbox close failed", "version", key, "error", err)
		}
		delete(c.sandboxes, key)
	}
}

// Reactivate re-enables a DISABLED version after its cooldown so the
// half-open circuit can observe probe traffic. The old sandbox was
// destroyed on disable, so the version is loaded again from scratch
// and starts with a clean health window. It satisfies the breaker's
// Reactivator.
func (c *Coordinator) Reactivate(key registry.VersionKey) error {
	c.mu.Lock()

	rec, ok := c.registry.Get(key)
	if !ok {
		c.mu.Unlock()
		return errdefs.Newf(errdefs.RegistryNotFound, "version %s is not registered", key)
	}
	if rec.State != registry.StateDisabled {
		c.mu.Unlock()
		return nil
	}

	sb, err := c.loadLocked(context.Background(), key, rec)
	if err != nil {
		// The breaker is fed outside the lock: a reopening circuit
		// calls back into Disable, which takes c.mu.
		c.mu.Unlock()
		c.logger.Warnw("Reload for probing failed", "version", key, "error", err)
		c.breaker.RecordFailure(key)
		return err
	}
	c.sandboxes[key] = sb

	if err := c.registry.UpdateState(key, registry.StateReady); err != nil {
		delete(c.sandboxes, key)
		_ = sb.Close()
		c.mu.Unlock()
		return err
	}
	c.admission.RegisterVersion(key, rec.Descriptor.Limits.MaxConcurrentInferences)
	c.mu.Unlock()
	return nil
}

// Unload takes a version out of service: READY or DISABLED moves
// through UNLOADING, the sandbox is closed and the registry entry and
// circuit are removed.
func (c *Coordinator) Unload(key registry.VersionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unloadLocked(key)
}

func (c *Coordinator) unloadLocked(key registry.VersionKey) error {
	rec, ok := c.registry.Get(key)
	if !ok {
		return errdefs.Newf(errdefs.RegistryNotFound, "version %s is not registered", key)
	}
	if rec.State == registry.StateDisabled {
		// UNLOADING is only reachable from READY.
		if err := c.registry.UpdateState(key, registry.StateReady); err != nil {
			return err
		}
	}
	if err := c.registry.UpdateState(key, registry.StateUnloading); err != nil {
		return err
	}

	var result *multierror.Error
	c.admission.UnregisterVersion(key)
	if sb, ok := c.sandboxes[key]; ok {
		if err := sb.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(c.sandboxes, key)
	}
	if err := c.registry.Remove(key); err != nil {
		result = multierror.Append(result, err)
	}
	c.breaker.Remove(key)
	return result.ErrorOrNil()
}

// Shutdown unloads every serving version. In-flight executions are the
// caller's business; admission must already be drained.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	keys := make([]registry.VersionKey, 0, len(c.sandboxes))
	for key := range c.sandboxes {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	var result *multierror.Error
	for _, key := range keys {
		c.mu.Lock()
		err := c.unloadLocked(key)
		c.mu.Unlock()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
