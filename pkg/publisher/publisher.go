package publisher

import (
	"context"
	"math"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/metrics"
	"github.com/visionworks/inferd/pkg/registry"
)

// Worker timing defaults.
const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultBaseBackoff = time.Second
	MaxBackoff         = 60 * time.Second
)

// Backend is the push surface the worker needs; *Client implements it.
type Backend interface {
	Register(ctx context.Context, snap Snapshot) error
	PushHealth(ctx context.Context, snap Snapshot) error
	Deregister(ctx context.Context) error
}

// Publisher pushes capability snapshots to the backend. Registry
// changes coalesce through a single-slot trigger channel so a burst of
// transitions produces one push with the final state, and a snapshot
// identical to the last delivered one is not pushed again.
type Publisher struct {
	registry  *registry.Registry
	backend   Backend
	nodeID    string
	heartbeat time.Duration
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Touched only by the Run goroutine.
	attempt      int
	retryPending bool
	lastPushed   *Snapshot
}

// New builds a publisher. A non-positive heartbeat falls back to the
// default.
func New(reg *registry.Registry, backend Backend, nodeID string, heartbeat time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Publisher {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Publisher{
		registry:  reg,
		backend:   backend,
		nodeID:    nodeID,
		heartbeat: heartbeat,
		metrics:   m,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Notify requests a push. It never blocks; a pending push absorbs
// further notifications.
func (p *Publisher) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// OnRegistryEvent adapts Notify to the registry's subscriber shape.
func (p *Publisher) OnRegistryEvent(registry.Event) { p.Notify() }

// Run registers the node and then pushes on every trigger and
// heartbeat until Stop is called. Failed pushes retry with exponential
// backoff; a fresh snapshot is built per attempt so retries never ship
// stale state, and heartbeats stand down while a retry is pending so a
// failing backend sees the backoff cadence, not the heartbeat cadence.
func (p *Publisher) Run() {
	defer close(p.doneCh)

	p.register()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.retryPending {
				continue
			}
			p.push(true)
		case <-p.trigger:
			p.retryPending = false
			p.push(false)
		}
	}
}

// Stop terminates the worker. Deregistration is a separate call so the
// node stays registered while its sandboxes are still being destroyed.
func (p *Publisher) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Deregister removes the node from the backend, best effort. Call it
// after Stop, once nothing on this node can serve anymore.
func (p *Publisher) Deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.backend.Deregister(ctx); err != nil {
		p.logger.Warnw("Backend deregistration failed", "error", err)
		return
	}
	p.logger.Infow("Deregistered from backend", "node", p.nodeID)
}

func (p *Publisher) register() {
	for attempt := 0; ; attempt++ {
		snap := BuildSnapshot(p.registry, p.nodeID)
		err := p.backend.Register(context.Background(), snap)
		if err == nil {
			p.logger.Infow("Registered with backend", "node", p.nodeID, "models", len(snap.Models))
			p.observe("register_success")
			p.lastPushed = &snap
			return
		}
		p.observe("register_failure")
		delay := exponentialBackoff(attempt, DefaultBaseBackoff)
		p.logger.Warnw("Backend registration failed, retrying", "error", err, "retry_in", delay)
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			return
		}
	}
}

// push delivers the current snapshot. Unless forced by a heartbeat, a
// snapshot equal to the last delivered one is dropped; after a failed
// attempt the comparison baseline stays at the last success, so a state
// that changed and changed back before the retry fires is not re-sent.
func (p *Publisher) push(force bool) {
	snap := BuildSnapshot(p.registry, p.nodeID)
	if !force && p.lastPushed != nil && snapshotsEqual(snap, *p.lastPushed) {
		return
	}
	if err := p.backend.PushHealth(context.Background(), snap); err != nil {
		p.attempt++
		p.retryPending = true
		p.observe("push_failure")
		delay := exponentialBackoff(p.attempt-1, DefaultBaseBackoff)
		p.logger.Warnw("Capability push failed", "error", err, "retry_in", delay)
		time.AfterFunc(delay, p.Notify)
		return
	}
	p.attempt = 0
	p.lastPushed = &snap
	p.observe("push_success")
}

// snapshotsEqual compares capability content; the timestamp changes on
// every build and does not count.
func snapshotsEqual(a, b Snapshot) bool {
	return a.NodeID == b.NodeID && reflect.DeepEqual(a.Models, b.Models)
}

func (p *Publisher) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.PublishAttempts.WithLabelValues(outcome).Inc()
	}
}

// exponentialBackoff doubles from the base delay and caps at MaxBackoff.
func exponentialBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > MaxBackoff || delay <= 0 {
		return MaxBackoff
	}
	return delay
}
