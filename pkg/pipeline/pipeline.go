// Package pipeline is the request path: validate, resolve, gate through
// the circuit breaker, admit against concurrency limits, execute in the
// version's sandbox and record the outcome.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/concurrency"
	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/coordinator"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/metrics"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/resolver"
	"github.com/visionworks/inferd/pkg/runtime"
	"github.com/visionworks/inferd/pkg/sandbox"
)

// Request is one inference submission. Version is optional; when empty
// the highest eligible version serves it.
type Request struct {
	RequestID string                 `json:"request_id,omitempty"`
	ModelID   string                 `json:"model_id"`
	Version   string                 `json:"version,omitempty"`
	Input     *runtime.Input         `json:"input"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	// Priority is advisory and reserved for future scheduling.
	Priority int `json:"priority,omitempty"`
}

// Response is the successful result of one request.
type Response struct {
	RequestID    string                   `json:"request_id"`
	ModelID      string                   `json:"model_id"`
	Version      string                   `json:"version"`
	Output       *runtime.Output          `json:"output"`
	DurationMS   int64                    `json:"duration_ms"`
	StageTimings map[sandbox.Stage]int64  `json:"stage_timings,omitempty"`
	Backpressure concurrency.Backpressure `json:"backpressure,omitempty"`
}

// Pipeline executes inference requests end to end.
type Pipeline struct {
	resolver    *resolver.Resolver
	breaker     *breaker.Breaker
	admission   *concurrency.Manager
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
}

// New builds a pipeline.
func New(res *resolver.Resolver, brk *breaker.Breaker, adm *concurrency.Manager, coord *coordinator.Coordinator, m *metrics.Metrics, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		resolver:    res,
		breaker:     brk,
		admission:   adm,
		coordinator: coord,
		metrics:     m,
		logger:      logger,
	}
}

// Submit runs one request. Every error it returns carries a kind from
// the closed taxonomy and the request ID.
func (p *Pipeline) Submit(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp, err := p.submit(ctx, req, start)
	if err != nil {
		typed := errdefs.AsError(err, errdefs.PipeResolutionFailed).WithRequest(req.RequestID)
		p.observeFailure(req, typed)
		return nil, typed
	}
	p.observeSuccess(resp, start)
	return resp, nil
}

func (p *Pipeline) submit(ctx context.Context, req *Request, start time.Time) (*Response, error) {
	if err := p.validateRequest(req); err != nil {
		return nil, err
	}

	rec, err := p.resolver.Resolve(req.ModelID, req.Version)
	if err != nil {
		return nil, err
	}
	key := rec.Key

	if err := p.validateInputShape(req.Input, rec.Descriptor); err != nil {
		return nil, err
	}

	if ok, remaining := p.breaker.Allow(key); !ok {
		return nil, errdefs.Newf(errdefs.PipeVersionUnhealthy, "version circuit is open for another %s", remaining.Round(time.Second)).
			WithModel(key.ModelID, key.Version)
	}

	slot, err := p.admission.TryAcquire(key)
	if err != nil {
		return nil, err
	}
	defer slot.Release()
	p.trackAdmission()

	sb, ok := p.coordinator.SandboxFor(key)
	if !ok {
		return nil, errdefs.New(errdefs.PipeNoSandbox, "version is marked READY but has no sandbox").
			WithModel(key.ModelID, key.Version)
	}

	outcome := sb.Execute(ctx, req.Input)
	p.recordOutcome(key, outcome)

	if !outcome.Success {
		return nil, outcome.Err
	}
	return &Response{
		RequestID:    req.RequestID,
		ModelID:      key.ModelID,
		Version:      key.Version,
		Output:       outcome.Output,
		DurationMS:   time.Since(start).Milliseconds(),
		StageTimings: outcome.StageTimings,
		Backpressure: p.admission.Level(),
	}, nil
}

func (p *Pipeline) validateRequest(req *Request) error {
	if req.ModelID == "" {
		return errdefs.New(errdefs.PipeRequestInvalid, "model_id is required")
	}
	if req.Input == nil {
		return errdefs.New(errdefs.PipeRequestInvalid, "input is required")
	}
	if req.Priority < 0 || req.Priority > 10 {
		return errdefs.Newf(errdefs.PipeRequestInvalid, "priority %d outside [0,10]", req.Priority)
	}
	for _, f := range collectFrames(req.Input) {
		if f.Reference == "" {
			return errdefs.New(errdefs.PipeInvalidFrameRef, "frame reference is empty")
		}
	}
	return nil
}

// validateInputShape rejects obviously unservable inputs before a slot
// is spent on them. The sandbox re-checks with the EXEC taxonomy.
func (p *Pipeline) validateInputShape(input *runtime.Input, desc *contract.Descriptor) error {
	if input.Kind != desc.Input.Kind {
		return errdefs.Newf(errdefs.PipeInputTypeMismatch, "model accepts %q input, got %q", desc.Input.Kind, input.Kind).
			WithExpected(string(desc.Input.Kind), string(input.Kind))
	}
	switch input.Kind {
	case contract.InputKindBatch:
		if b := desc.Input.Batch; b != nil {
			if len(input.Batch) < b.MinSize || len(input.Batch) > b.MaxSize {
				return errdefs.Newf(errdefs.PipeBatchSizeInvalid, "batch size %d outside [%d,%d]", len(input.Batch), b.MinSize, b.MaxSize)
			}
		}
	case contract.InputKindTemporal:
		if tp := desc.Input.Temporal; tp != nil {
			if len(input.Sequence) < tp.MinFrames || len(input.Sequence) > tp.MaxFrames {
				return errdefs.Newf(errdefs.PipeTemporalLengthInvalid, "sequence length %d outside [%d,%d]", len(input.Sequence), tp.MinFrames, tp.MaxFrames)
			}
		}
	}
	return nil
}

func collectFrames(input *runtime.Input) []runtime.Frame {
	switch {
	case input.Frame != nil:
		return []runtime.Frame{*input.Frame}
	case len(input.Batch) > 0:
		return input.Batch
	default:
		return input.Sequence
	}
}

// recordOutcome feeds the breaker. Only failures attributable to model
// code count; caller mistakes and cancellations do not.
func (p *Pipeline) recordOutcome(key registry.VersionKey, outcome sandbox.Outcome) {
	if outcome.Success {
		p.breaker.RecordSuccess(key)
		return
	}
	switch outcome.Err.Kind {
	case errdefs.ExecInvalidInput, errdefs.ExecCancelled, errdefs.ExecModelNotReady:
	default:
		p.breaker.RecordFailure(key)
	}
}

func (p *Pipeline) trackAdmission() {
	if p.metrics == nil {
		return
	}
	usage := p.admission.Snapshot()
	p.metrics.InFlight.Set(float64(usage.Global))
	p.metrics.BackpressureLevel.Set(backpressureValue(usage.Level))
}

func (p *Pipeline) observeSuccess(resp *Response, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.InferenceRequests.WithLabelValues(resp.ModelID, resp.Version, "success").Inc()
	p.metrics.InferenceDuration.WithLabelValues(resp.ModelID, resp.Version).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) observeFailure(req *Request, err *errdefs.Error) {
	p.logger.Debugw("Inference request failed",
		"request_id", req.RequestID,
		"model", req.ModelID,
		"kind", err.Kind,
		"retryable", err.Retryable)
	if p.metrics == nil {
		return
	}
	if err.Category() == errdefs.CategoryExecution {
		p.metrics.InferenceRequests.WithLabelValues(req.ModelID, err.Version, "failure").Inc()
	} else {
		p.metrics.Rejections.WithLabelValues(string(err.Kind)).Inc()
	}
}

func backpressureValue(level concurrency.Backpressure) float64 {
	switch level {
	case concurrency.BackpressureSoft:
		return 1
	case concurrency.BackpressureHard:
		return 2
	default:
		return 0
	}
}
