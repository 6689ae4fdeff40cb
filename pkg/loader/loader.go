// Package loader turns a VALID descriptor into a loaded, warmed-up
// model handle. Each load opens a fresh runtime instance so versions
// cannot contaminate each other.
package loader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/runtime"
)

// DefaultLoadBudget caps the wall clock for one complete load.
const DefaultLoadBudget = 60 * time.Second

// LoadedModel is the resolved handle for one loaded version. Pre and
// Post are nil when the contract does not declare the optional stages.
type LoadedModel struct {
	Descriptor *contract.Descriptor
	Model      runtime.Model
	Pre        runtime.Preprocessor
	Post       runtime.Postprocessor
}

// Close releases the underlying runtime instance.
func (m *LoadedModel) Close() error {
	if m.Model == nil {
		return nil
	}
	return m.Model.Close()
}

// Loader loads model versions within a wall-clock budget.
type Loader struct {
	budget    time.Duration
	enableGPU bool
	logger    *zap.SugaredLogger
}

// New creates a loader. A non-positive budget falls back to the
// default.
func New(budget time.Duration, enableGPU bool, logger *zap.SugaredLogger) *Loader {
	if budget <= 0 {
		budget = DefaultLoadBudget
	}
	return &Loader{budget: budget, enableGPU: enableGPU, logger: logger}
}

// Load opens the runtime binding, resolves the declared callables,
// loads weights and runs warm-up. Every failure is classified into the
// LOAD_* taxonomy; OOM, timeout and warm-up failures are retryable.
func (l *Loader) Load(ctx context.Context, desc *contract.Descriptor) (*LoadedModel, error) {
	ctx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	if desc.Hardware.GPU && !desc.Hardware.CPU && !l.enableGPU {
		return nil, errdefs.New(errdefs.LoadMissingDependency, "model requires GPU but GPU execution is disabled").
			WithModel(desc.ModelID, desc.RawVersion)
	}

	factory, ok := runtime.LookupFactory(desc.EntryPoints.Runtime)
	if !ok {
		return nil, errdefs.Newf(errdefs.LoadMissingDependency, "no runtime binding for kind %q", desc.EntryPoints.Runtime).
			WithModel(desc.ModelID, desc.RawVersion)
	}

	start := time.Now()
	model, err := factory.Open(ctx, desc)
	if err != nil {
		return nil, classify(err, errdefs.LoadImportFailed, "cannot open model entry point", desc, start)
	}
	if model == nil {
		return nil, errdefs.Newf(errdefs.LoadInferNotFound, "runtime %q returned no infer callable", desc.EntryPoints.Runtime).
			WithModel(desc.ModelID, desc.RawVersion)
	}

	loaded := &LoadedModel{Descriptor: desc, Model: model}

	if desc.EntryPoints.Preprocess != "" {
		pre, ok := model.(runtime.Preprocessor)
		if !ok {
			_ = model.Close()
			return nil, errdefs.Newf(errdefs.LoadPreprocessNotFound, "entry point %q declares preprocess but the model does not provide it", desc.EntryPoints.Inference).
				WithModel(desc.ModelID, desc.RawVersion)
		}
		loaded.Pre = pre
	}
	if desc.EntryPoints.Postprocess != "" {
		post, ok := model.(runtime.Postprocessor)
		if !ok {
			_ = model.Close()
			return nil, errdefs.Newf(errdefs.LoadPostprocessNotFound, "entry point %q declares postprocess but the model does not provide it", desc.EntryPoints.Inference).
				WithModel(desc.ModelID, desc.RawVersion)
		}
		loaded.Post = post
	}

	if desc.EntryPoints.Loader != "" {
		wl, ok := model.(runtime.WeightsLoader)
		if !ok {
			_ = model.Close()
			return nil, errdefs.New(errdefs.LoadWeightsFailed, "contract declares a loader entry point but the model cannot load weights").
				WithModel(desc.ModelID, desc.RawVersion)
		}
		weightsDir := filepath.Join(desc.Dir, contract.WeightsDirName)
		if err := wl.LoadWeights(ctx, weightsDir); err != nil {
			_ = model.Close()
			return nil, classify(err, errdefs.LoadWeightsFailed, "weights loading failed", desc, start)
		}
	}

	if err := l.warmup(ctx, loaded); err != nil {
		_ = model.Close()
		return nil, err
	}

	l.logger.Infow("Loaded model version",
		"model", desc.ModelID,
		"version", desc.RawVersion,
		"runtime", desc.EntryPoints.Runtime,
		"duration", time.Since(start))
	return loaded, nil
}

// warmup runs the declared number of inference iterations against a
// synthetic input shaped from the contract minima.
func (l *Loader) warmup(ctx context.Context, loaded *LoadedModel) error {
	desc := loaded.Descriptor
	iterations := desc.Performance.WarmupIterations
	if iterations <= 0 {
		return nil
	}

	input := WarmupInput(desc)
	start := time.Now()
	for i := 0; i < iterations; i++ {
		var staged interface{} = input
		var err error
		if loaded.Pre != nil {
			if staged, err = loaded.Pre.Preprocess(ctx, staged); err != nil {
				return classify(err, errdefs.LoadWarmupFailed, "warmup preprocess failed", desc, start)
			}
		}
		if _, err = loaded.Model.Infer(ctx, staged); err != nil {
			return classify(err, errdefs.LoadWarmupFailed, "warmup inference failed", desc, start)
		}
	}
	return nil
}

// WarmupInput builds the smallest input the contract accepts.
func WarmupInput(desc *contract.Descriptor) *runtime.Input {
	frame := runtime.Frame{
		Reference: "warmup",
		Width:     max(desc.Input.MinWidth, 1),
		Height:    max(desc.Input.MinHeight, 1),
		Format:    "rgb8",
	}

	switch desc.Input.Kind {
	case contract.InputKindBatch:
		size := 1
		if desc.Input.Batch != nil {
			size = desc.Input.Batch.MinSize
		}
		batch := make([]runtime.Frame, size)
		for i := range batch {
			batch[i] = frame
		}
		return &runtime.Input{Kind: contract.InputKindBatch, Batch: batch}
	case contract.InputKindTemporal:
		length := 1
		if desc.Input.Temporal != nil {
			length = desc.Input.Temporal.MinFrames
		}
		seq := make([]runtime.Frame, length)
		for i := range seq {
			seq[i] = frame
		}
		return &runtime.Input{Kind: contract.InputKindTemporal, Sequence: seq}
	default:
		return &runtime.Input{Kind: contract.InputKindFrame, Frame: &frame}
	}
}

// classify maps a load failure onto the taxonomy. Deadline overruns and
// OOM signatures override the fallback kind.
func classify(err error, fallback errdefs.Kind, message string, desc *contract.Descriptor, start time.Time) error {
	kind := fallback
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = errdefs.LoadTimeout
	case isOOM(err):
		kind = errdefs.LoadOOM
	}
	return errdefs.Newf(kind, "%s: %v", message, err).
		WithModel(desc.ModelID, desc.RawVersion).
		WithDuration(time.Since(start).Milliseconds()).
		WithCause(err)
}

func isOOM(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom")
}
