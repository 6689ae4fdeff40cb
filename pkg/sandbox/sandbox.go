// Package sandbox wraps exactly one loaded model version and executes
// the preprocess, inference and postprocess stages under per-stage
// timeouts with full exception containment. Nothing raised by model
// code escapes a sandbox, and no state is shared between sandboxes.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/loader"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/runtime"
)

// Stage names the pipeline stage an outcome refers to.
type Stage string

const (
	StageValidation  Stage = "validation"
	StagePreprocess  Stage = "preprocess"
	StageInference   Stage = "inference"
	StagePostprocess Stage = "postprocess"
)

// DefaultHealthWindow is the number of recent executions the health
// rate is computed over.
const DefaultHealthWindow = 20

// Outcome is the result of one Execute call.
type Outcome struct {
	Success      bool
	Output       *runtime.Output
	Err          *errdefs.Error
	Stage        Stage
	DurationMS   int64
	StageTimings map[Stage]int64
}

// HealthSink receives health transitions; the registry satisfies it.
type HealthSink interface {
	UpdateHealth(key registry.VersionKey, health registry.HealthStatus) error
}

// Sandbox executes one loaded version. Execution concurrency is bounded
// upstream by admission; the sandbox itself runs every stage on a fresh
// goroutine so an overrunning stage never blocks later requests.
type Sandbox struct {
	key    registry.VersionKey
	desc   *contract.Descriptor
	loaded *loader.LoadedModel
	sink   HealthSink
	logger *zap.SugaredLogger

	closed atomic.Bool

	mu         sync.Mutex
	window     []bool // true = failure
	windowNext int
	windowLen  int
	health     registry.HealthStatus
}

// Option tweaks sandbox construction.
type Option func(*Sandbox)

// WithHealthWindow overrides the execution window size.
func WithHealthWindow(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.window = make([]bool, n)
		}
	}
}

// New creates a sandbox around a loaded model.
func New(key registry.VersionKey, loaded *loader.LoadedModel, sink HealthSink, logger *zap.SugaredLogger, opts ...Option) *Sandbox {
	s := &Sandbox{
		key:    key,
		desc:   loaded.Descriptor,
		loaded: loaded,
		sink:   sink,
		logger: logger,
		window: make([]bool, DefaultHealthWindow),
		health: registry.HealthUnknown,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the version this sandbox serves.
func (s *Sandbox) Key() registry.VersionKey { return s.key }

// Health returns the current window-derived health.
func (s *Sandbox) Health() registry.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Close destroys the sandbox. In-flight executions finish; new calls
// fail with EXEC_MODEL_NOT_READY.
func (s *Sandbox) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.loaded.Close()
}

// Execute runs the full stage chain for one input. It never panics and
// never lets a model error escape unclassified.
func (s *Sandbox) Execute(ctx context.Context, input *runtime.Input) Outcome {
	start := time.Now()
	timings := make(map[Stage]int64, 3)

	if s.closed.Load() {
		return s.failure(errdefs.New(errdefs.ExecModelNotReady, "sandbox is closed"), StageValidation, start, timings, false)
	}

	if err := s.validateInput(input); err != nil {
		// The model never ran; caller errors do not count against
		// model health.
		return s.failure(err, StageValidation, start, timings, false)
	}

	var staged interface{} = input

	if s.loaded.Pre != nil {
		out, err := s.runStage(ctx, StagePreprocess, s.desc.PreprocessTimeout(), timings, func(stageCtx context.Context) (interface{}, error) {
			return s.loaded.Pre.Preprocess(stageCtx, staged)
		})
		if err != nil {
			return s.failure(err, StagePreprocess, start, timings, true)
		}
		staged = out
	}

	out, err := s.runStage(ctx, StageInference, s.desc.InferenceTimeout(), timings, func(stageCtx context.Context) (interface{}, error) {
		return s.loaded.Model.Infer(stageCtx, staged)
	})
	if err != nil {
		return s.failure(err, StageInference, start, timings, true)
	}
	staged = out

	if s.loaded.Post != nil {
		out, err := s.runStage(ctx, StagePostprocess, s.desc.PostprocessTimeout(), timings, func(stageCtx context.Context) (interface{}, error) {
			return s.loaded.Post.Postprocess(stageCtx, staged)
		})
		if err != nil {
			return s.failure(err, StagePostprocess, start, timings, true)
		}
		staged = out
	}

	output, err2 := s.validateOutput(staged)
	if err2 != nil {
		return s.failure(err2, StageValidation, start, timings, true)
	}

	s.record(false)
	return Outcome{
		Success:      true,
		Output:       output,
		DurationMS:   time.Since(start).Milliseconds(),
		StageTimings: timings,
	}
}

type stageResult struct {
	value interface{}
	err   error
}

// runStage executes one stage on its own goroutine under the stage
// timeout. On overrun the result is discarded and the goroutine is left
// to finish in the background; because each call gets a fresh goroutine
// the stuck work can never poison another request or another sandbox.
func (s *Sandbox) runStage(ctx context.Context, stage Stage, timeout time.Duration, timings map[Stage]int64, fn func(context.Context) (interface{}, error)) (interface{}, *errdefs.Error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan stageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- stageResult{err: fmt.Errorf("panic in %s stage: %v", stage, r)}
			}
		}()
		value, err := fn(stageCtx)
		resultCh <- stageResult{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		timings[stage] = time.Since(start).Milliseconds()
		if res.err != nil {
			if stageCtx.Err() != nil {
				return nil, s.stageDeadlineError(ctx, stage, start)
			}
			return nil, s.classifyStageError(res.err, stage, start)
		}
		return res.value, nil

	case <-stageCtx.Done():
		timings[stage] = time.Since(start).Milliseconds()
		return nil, s.stageDeadlineError(ctx, stage, start)
	}
}

func (s *Sandbox) stageDeadlineError(parent context.Context, stage Stage, start time.Time) *errdefs.Error {
	elapsed := time.Since(start)
	if parent.Err() != nil {
		// The caller went away; this is a cancellation, not a stage
		// overrun.
		return errdefs.New(errdefs.ExecCancelled, "execution cancelled by caller").
			WithStage(string(stage)).WithDuration(elapsed.Milliseconds())
	}
	var kind errdefs.Kind
	switch stage {
	case StagePreprocess:
		kind = errdefs.ExecPreprocessTimeout
	case StagePostprocess:
		kind = errdefs.ExecPostprocessTimeout
	default:
		kind = errdefs.ExecInferenceTimeout
	}
	return errdefs.Newf(kind, "%s stage exceeded its budget", stage).
		WithStage(string(stage)).WithDuration(elapsed.Milliseconds())
}

func (s *Sandbox) classifyStageError(err error, stage Stage, start time.Time) *errdefs.Error {
	var kind errdefs.Kind
	switch stage {
	case StagePreprocess:
		kind = errdefs.ExecPreprocessFailed
	case StagePostprocess:
		kind = errdefs.ExecPostprocessFailed
	default:
		kind = errdefs.ExecInferenceFailed
	}
	if isOOM(err) {
		kind = errdefs.ExecOOM
	}
	return errdefs.Newf(kind, "%s stage failed: %v", stage, err).
		WithStage(string(stage)).
		WithDuration(time.Since(start).Milliseconds()).
		WithCause(err)
}

func isOOM(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom")
}

// failure assembles the error outcome and, when the failure involved
// model code, records it in the health window.
func (s *Sandbox) failure(err *errdefs.Error, stage Stage, start time.Time, timings map[Stage]int64, countsForHealth bool) Outcome {
	err = err.WithModel(s.key.ModelID, s.key.Version)
	if countsForHealth && err.Kind != errdefs.ExecCancelled {
		s.record(true)
	}
	return Outcome{
		Err:          err,
		Stage:        stage,
		DurationMS:   time.Since(start).Milliseconds(),
		StageTimings: timings,
	}
}

// record appends an execution result to the window and re-derives
// health. The rate is meaningless over a handful of samples, so health
// stays UNKNOWN until the window has filled once. Health never promotes
// out of UNHEALTHY; only a fresh sandbox after re-enable starts clean.
func (s *Sandbox) record(failed bool) {
	s.mu.Lock()
	prev := s.health

	s.window[s.windowNext] = failed
	s.windowNext = (s.windowNext + 1) % len(s.window)
	if s.windowLen < len(s.window) {
		s.windowLen++
	}
	if s.windowLen < len(s.window) {
		s.mu.Unlock()
		return
	}

	failures := 0
	for i := 0; i < s.windowLen; i++ {
		if s.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(s.windowLen)

	next := prev
	if prev != registry.HealthUnhealthy {
		switch {
		case rate > 0.5:
			next = registry.HealthUnhealthy
		case rate >= 0.1:
			next = registry.HealthDegraded
		default:
			next = registry.HealthHealthy
		}
	}
	s.health = next
	s.mu.Unlock()

	if next != prev && s.sink != nil {
		if err := s.sink.UpdateHealth(s.key, next); err != nil {
			s.logger.Warnw("Cannot publish health transition", "version", s.key, "health", next, "error", err)
		}
	}
}

func (s *Sandbox) validateInput(input *runtime.Input) *errdefs.Error {
	if input == nil {
		return errdefs.New(errdefs.ExecInvalidInput, "input is empty")
	}
	if input.Kind != s.desc.Input.Kind {
		return errdefs.Newf(errdefs.ExecInvalidInput, "input kind %q does not match declared kind %q", input.Kind, s.desc.Input.Kind).
			WithExpected(string(s.desc.Input.Kind), string(input.Kind))
	}

	checkFrame := func(f runtime.Frame) *errdefs.Error {
		in := s.desc.Input
		if f.Reference == "" {
			return errdefs.New(errdefs.ExecInvalidInput, "frame reference is empty")
		}
		if in.MinWidth > 0 && f.Width < in.MinWidth ||
			in.MaxWidth > 0 && f.Width > in.MaxWidth ||
			in.MinHeight > 0 && f.Height < in.MinHeight ||
			in.MaxHeight > 0 && f.Height > in.MaxHeight {
			return errdefs.Newf(errdefs.ExecInvalidInput, "frame %dx%d outside declared shape range", f.Width, f.Height)
		}
		return nil
	}

	switch input.Kind {
	case contract.InputKindFrame:
		if input.Frame == nil {
			return errdefs.New(errdefs.ExecInvalidInput, "frame input missing")
		}
		return checkFrame(*input.Frame)

	case contract.InputKindBatch:
		if b := s.desc.Input.Batch; b != nil {
			if len(input.Batch) < b.MinSize || len(input.Batch) > b.MaxSize {
				return errdefs.Newf(errdefs.ExecInvalidInput, "batch size %d outside [%d,%d]", len(input.Batch), b.MinSize, b.MaxSize)
			}
		} else if len(input.Batch) == 0 {
			return errdefs.New(errdefs.ExecInvalidInput, "batch input is empty")
		}
		for _, f := range input.Batch {
			if err := checkFrame(f); err != nil {
				return err
			}
		}
		return nil

	case contract.InputKindTemporal:
		if tp := s.desc.Input.Temporal; tp != nil {
			if len(input.Sequence) < tp.MinFrames || len(input.Sequence) > tp.MaxFrames {
				return errdefs.Newf(errdefs.ExecInvalidInput, "sequence length %d outside [%d,%d]", len(input.Sequence), tp.MinFrames, tp.MaxFrames)
			}
		} else if len(input.Sequence) == 0 {
			return errdefs.New(errdefs.ExecInvalidInput, "temporal input is empty")
		}
		for _, f := range input.Sequence {
			if err := checkFrame(f); err != nil {
				return err
			}
		}
		return nil
	}
	return errdefs.Newf(errdefs.ExecInvalidInput, "unknown input kind %q", input.Kind)
}

func (s *Sandbox) validateOutput(staged interface{}) (*runtime.Output, *errdefs.Error) {
	output, ok := staged.(*runtime.Output)
	if !ok {
		return nil, errdefs.Newf(errdefs.ExecInvalidOutput, "model produced %T instead of an output record", staged)
	}
	if output.Event == "" {
		return nil, errdefs.New(errdefs.ExecInvalidOutput, "output event is empty")
	}
	if !s.desc.AllowsEvent(output.Event) {
		return nil, errdefs.Newf(errdefs.ExecInvalidOutput, "event %q is not in the declared event enum", output.Event).
			WithField("event")
	}
	for key := range output.Metadata {
		if !s.desc.AllowsMetadataKey(key) {
			return nil, errdefs.Newf(errdefs.ExecInvalidOutput, "metadata key %q is not declared", key).
				WithField("metadata")
		}
	}
	return output, nil
}
