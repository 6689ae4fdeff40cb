package breaker

import (
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/registry"
)

// Reactivator restores serving capacity for a version whose cooldown
// expired; the coordinator implements it.
type Reactivator interface {
	Reactivate(key registry.VersionKey) error
}

// DefaultRecoveryInterval is how often expired cooldowns are swept.
const DefaultRecoveryInterval = 5 * time.Second

// RecoveryManager periodically moves cooled-down circuits to half-open
// and asks the reactivator to let probe traffic through again.
type RecoveryManager struct {
	breaker     *Breaker
	reactivator Reactivator
	interval    time.Duration
	logger      *zap.SugaredLogger
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewRecoveryManager builds the sweeper. A non-positive interval falls
// back to the default.
func NewRecoveryManager(b *Breaker, r Reactivator, interval time.Duration, logger *zap.SugaredLogger) *RecoveryManager {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	return &RecoveryManager{
		breaker:     b,
		reactivator: r,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run sweeps until Stop is called.
func (m *RecoveryManager) Run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *RecoveryManager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *RecoveryManager) sweep() {
	for _, key := range m.breaker.Expired() {
		if !m.breaker.MarkHalfOpen(key) {
			continue
		}
		m.logger.Infow("Circuit cooldown expired, probing", "version", key)
		if err := m.reactivator.Reactivate(key); err != nil {
			m.logger.Warnw("Cannot reactivate version for probing", "version", key, "error", err)
		}
	}
}
