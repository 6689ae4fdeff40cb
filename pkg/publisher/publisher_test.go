package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/semver"
)

func seedVersion(t *testing.T, reg *registry.Registry, modelID, version string, state registry.LoadState, health registry.HealthStatus) {
	t.Helper()
	key := registry.VersionKey{ModelID: modelID, Version: version}
	require.NoError(t, reg.Register(key))
	require.NoError(t, reg.UpdateState(key, registry.StateValidating))
	require.NoError(t, reg.SetDescriptor(key, &contract.Descriptor{
		ModelID:      modelID,
		Version:      semver.MustParse(version),
		RawVersion:   version,
		DisplayName:  "Sample Detector",
		Input:        contract.InputSpec{Kind: contract.InputKindFrame},
		Output:       contract.OutputSpec{Events: []string{"person_detected"}},
		Capabilities: []string{"detection"},
	}))
	require.NoError(t, reg.UpdateState(key, registry.StateValid))
	if state == registry.StateReady {
		require.NoError(t, reg.UpdateState(key, registry.StateLoading))
		require.NoError(t, reg.UpdateState(key, registry.StateReady))
	}
	if health != registry.HealthUnknown {
		require.NoError(t, reg.UpdateHealth(key, health))
	}
}

func TestBuildSnapshotElidesUnhealthyVersions(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthHealthy)
	seedVersion(t, reg, "sample_det", "1.2.0", registry.StateReady, registry.HealthUnhealthy)
	seedVersion(t, reg, "sample_det", "1.1.0", registry.StateReady, registry.HealthDegraded)
	seedVersion(t, reg, "sample_det", "2.0.0", registry.StateValid, registry.HealthUnknown)

	snap := BuildSnapshot(reg, "node-1")
	require.Len(t, snap.Models, 1)

	model := snap.Models[0]
	assert.Equal(t, "sample_det", model.ModelID)
	assert.Equal(t, registry.ModelHealthy, model.Health)

	// Only READY versions that are not UNHEALTHY are advertised,
	// highest first. DEGRADED stays advertised.
	require.Len(t, model.Versions, 2)
	assert.Equal(t, "1.1.0", model.Versions[0].Version)
	assert.Equal(t, registry.HealthDegraded, model.Versions[0].Health)
	assert.Equal(t, "1.0.0", model.Versions[1].Version)
}

func TestBuildSnapshotUnavailableModel(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthUnhealthy)

	snap := BuildSnapshot(reg, "node-1")
	require.Len(t, snap.Models, 1)
	assert.Equal(t, registry.ModelUnavailable, snap.Models[0].Health)
	assert.Empty(t, snap.Models[0].Versions)
}

type fakeBackend struct {
	mu           sync.Mutex
	registered   int
	pushes       []Snapshot
	pushAttempts int
	deregisters  int
	failPushes   int
}

func (b *fakeBackend) Register(_ context.Context, _ Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered++
	return nil
}

func (b *fakeBackend) PushHealth(_ context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushAttempts++
	if b.failPushes > 0 {
		b.failPushes--
		return errors.New("backend unavailable")
	}
	b.pushes = append(b.pushes, snap)
	return nil
}

func (b *fakeBackend) Deregister(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deregisters++
	return nil
}

func (b *fakeBackend) counts() (int, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered, len(b.pushes), b.deregisters
}

func (b *fakeBackend) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushAttempts
}

func TestPublisherRegistersPushesAndDeregisters(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthHealthy)

	backend := &fakeBackend{}
	p := New(reg, backend, "node-1", time.Hour, nil, zap.NewNop().Sugar())
	go p.Run()

	assert.Eventually(t, func() bool {
		registered, _, _ := backend.counts()
		return registered == 1
	}, time.Second, 5*time.Millisecond)

	// A state change after registration produces one push.
	seedVersion(t, reg, "other_det", "1.0.0", registry.StateReady, registry.HealthHealthy)
	p.Notify()
	assert.Eventually(t, func() bool {
		_, pushes, _ := backend.counts()
		return pushes == 1
	}, time.Second, 5*time.Millisecond)

	// Stop alone leaves the node registered; deregistration is the
	// caller's final step.
	p.Stop()
	_, _, deregisters := backend.counts()
	assert.Equal(t, 0, deregisters)

	p.Deregister()
	_, _, deregisters = backend.counts()
	assert.Equal(t, 1, deregisters)
}

func TestPublisherRetriesFailedPush(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	backend := &fakeBackend{failPushes: 1}
	p := New(reg, backend, "node-1", time.Hour, nil, zap.NewNop().Sugar())
	go p.Run()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		registered, _, _ := backend.counts()
		return registered == 1
	}, time.Second, 5*time.Millisecond)

	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthHealthy)
	p.Notify()
	assert.Eventually(t, func() bool {
		_, pushes, _ := backend.counts()
		return pushes == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublisherSkipsUnchangedSnapshot(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthHealthy)

	backend := &fakeBackend{}
	p := New(reg, backend, "node-1", time.Hour, nil, zap.NewNop().Sugar())
	go p.Run()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		registered, _, _ := backend.counts()
		return registered == 1
	}, time.Second, 5*time.Millisecond)

	// Nothing changed since registration, so triggers deliver nothing.
	p.Notify()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, backend.attempts())

	seedVersion(t, reg, "other_det", "1.0.0", registry.StateReady, registry.HealthHealthy)
	p.Notify()
	assert.Eventually(t, func() bool {
		_, pushes, _ := backend.counts()
		return pushes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatStandsDownDuringBackoff(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	backend := &fakeBackend{failPushes: 1000}
	p := New(reg, backend, "node-1", 10*time.Millisecond, nil, zap.NewNop().Sugar())
	go p.Run()
	defer p.Stop()

	// The first heartbeat push fails and schedules a retry a second
	// out; the 10ms heartbeat must not hammer the failing backend in
	// the meantime.
	assert.Eventually(t, func() bool {
		return backend.attempts() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, backend.attempts())
}

func TestHeartbeatPushesUnchangedSnapshot(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	seedVersion(t, reg, "sample_det", "1.0.0", registry.StateReady, registry.HealthHealthy)

	backend := &fakeBackend{}
	p := New(reg, backend, "node-1", 10*time.Millisecond, nil, zap.NewNop().Sugar())
	go p.Run()
	defer p.Stop()

	// Heartbeats are liveness, not change notifications; they push the
	// same snapshot anyway.
	assert.Eventually(t, func() bool {
		_, pushes, _ := backend.counts()
		return pushes >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestNotifyCoalesces(t *testing.T) {
	reg := registry.New(zap.NewNop().Sugar())
	backend := &fakeBackend{}
	p := New(reg, backend, "node-1", time.Hour, nil, zap.NewNop().Sugar())

	for i := 0; i < 100; i++ {
		p.Notify()
	}
	assert.Len(t, p.trigger, 1)
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, time.Second, exponentialBackoff(0, time.Second))
	assert.Equal(t, 2*time.Second, exponentialBackoff(1, time.Second))
	assert.Equal(t, 32*time.Second, exponentialBackoff(5, time.Second))
	assert.Equal(t, MaxBackoff, exponentialBackoff(6, time.Second))
	assert.Equal(t, MaxBackoff, exponentialBackoff(50, time.Second))
}
