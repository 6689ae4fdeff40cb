// Package agent assembles the runtime: discovery, validation, loading,
// serving and capability push, with one lifecycle for all of it.
package agent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/concurrency"
	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/coordinator"
	"github.com/visionworks/inferd/pkg/discovery"
	"github.com/visionworks/inferd/pkg/loader"
	"github.com/visionworks/inferd/pkg/metrics"
	"github.com/visionworks/inferd/pkg/pipeline"
	"github.com/visionworks/inferd/pkg/publisher"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/resolver"
	"github.com/visionworks/inferd/pkg/server"
)

// Agent owns every component of the runtime and their lifecycle.
type Agent struct {
	config Config
	logger *zap.SugaredLogger

	registry    *registry.Registry
	scanner     *discovery.Scanner
	watcher     *discovery.Watcher
	coordinator *coordinator.Coordinator
	breaker     *breaker.Breaker
	recovery    *breaker.RecoveryManager
	admission   *concurrency.Manager
	pipeline    *pipeline.Pipeline
	publisher   *publisher.Publisher
	server      *server.Server

	watchCancel context.CancelFunc
	serverErr   chan error
}

// NewAgent wires the runtime from its configuration.
func NewAgent(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid agent config")
	}
	logger := cfg.AnotherLogger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	fs := afero.NewOsFs()
	reg := registry.New(logger)
	validator := contract.NewValidator(fs, logger)
	scanner := discovery.NewScanner(fs, cfg.ModelsRoot, validator, reg, logger)
	ldr := loader.New(cfg.LoadBudget, cfg.EnableGPU, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)
	reg.Subscribe(m.ObserveRegistry)

	adm := concurrency.NewManager(cfg.Concurrency, logger)

	var coord *coordinator.Coordinator
	brk := breaker.New(cfg.Breaker, logger,
		breaker.WithOnOpen(func(key registry.VersionKey, reason string) {
			m.ObserveCircuit("open")
			coord.OnCircuitOpen(key, reason)
		}),
		breaker.WithOnClose(func(key registry.VersionKey) {
			m.ObserveCircuit("closed")
		}))
	coord = coordinator.New(reg, ldr, brk, adm, m, logger)
	recovery := breaker.NewRecoveryManager(brk, coord, cfg.RecoveryInterval, logger)

	res := resolver.New(reg, brk, logger)

	pipe := pipeline.New(res, brk, adm, coord, m, logger)
	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		gatherer = promReg
	}
	srv := server.New(cfg.HTTPAddr, pipe, reg, coord, adm, scanner, gatherer, logger)

	a := &Agent{
		config:      cfg,
		logger:      logger,
		registry:    reg,
		scanner:     scanner,
		coordinator: coord,
		breaker:     brk,
		recovery:    recovery,
		admission:   adm,
		pipeline:    pipe,
		server:      srv,
		serverErr:   make(chan error, 1),
	}

	if cfg.WatchModels {
		a.watcher = discovery.NewWatcher(cfg.ModelsRoot, scanner, cfg.DebounceInterval, logger)
	}
	if cfg.Backend.URL != "" {
		token := cfg.Backend.ServiceToken
		if token == "" {
			token = cfg.Backend.APIKey
		}
		client := publisher.NewClient(cfg.Backend.URL, token, cfg.NodeID, 10*time.Second)
		a.publisher = publisher.New(reg, client, cfg.NodeID, cfg.Backend.Heartbeat, m, logger)
		reg.Subscribe(a.publisher.OnRegistryEvent)
	}
	return a, nil
}

// Start scans the models root, activates everything servable and
// brings up the workers and the HTTP listener.
func (a *Agent) Start(ctx context.Context) error {
	sum, err := a.scanner.Scan(ctx)
	if err != nil {
		return errors.Wrap(err, "initial model scan")
	}
	a.logger.Infow("Initial scan complete",
		"discovered", sum.Discovered, "valid", sum.Valid, "invalid", sum.Invalid, "skipped", sum.Skipped)

	for _, rec := range a.registry.ByState(registry.StateValid) {
		if err := a.coordinator.Activate(ctx, rec.Key); err != nil {
			// The version sits in FAILED; the rest keep loading.
			a.logger.Warnw("Cannot activate version", "version", rec.Key, "error", err)
		}
	}

	if a.watcher != nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		a.watchCancel = cancel
		go func() {
			if err := a.watcher.Run(watchCtx); err != nil && watchCtx.Err() == nil {
				a.logger.Errorw("Model watcher stopped", "error", err)
			}
		}()
	}
	go a.recovery.Run()
	if a.publisher != nil {
		go a.publisher.Run()
	}
	go func() { a.serverErr <- a.server.Start() }()
	return nil
}

// Wait blocks until the HTTP listener exits.
func (a *Agent) Wait() error { return <-a.serverErr }

// Stop tears the runtime down in order: the publisher loop first so no
// snapshot races the teardown, then admission starts refusing, the
// listener drains in-flight work under the grace budget, the workers
// stop, the sandboxes are destroyed, and only then does the node
// deregister from the backend.
func (a *Agent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.GracefulShutdownTimeout)
	defer cancel()

	if a.publisher != nil {
		a.publisher.Stop()
	}
	a.admission.SetDraining(true)
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warnw("HTTP drain incomplete", "error", err)
	}
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.recovery.Stop()
	err := a.coordinator.Shutdown()
	if err != nil {
		a.logger.Warnw("Model unload incomplete", "error", err)
	}
	if a.publisher != nil {
		a.publisher.Deregister()
	}
	if err != nil {
		return err
	}
	a.logger.Infow("Agent stopped")
	return nil
}
