package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/runtime"
	"github.com/visionworks/inferd/pkg/runtime/runtimetest"
	"github.com/visionworks/inferd/pkg/semver"
)

func testDescriptor(entry string) *contract.Descriptor {
	return &contract.Descriptor{
		ModelID:    "sample_det",
		Version:    semver.MustParse("1.0.0"),
		RawVersion: "1.0.0",
		Input:      contract.InputSpec{Kind: contract.InputKindFrame, MinWidth: 320, MinHeight: 240},
		Output:     contract.OutputSpec{Events: []string{"person_detected"}},
		Hardware:   contract.HardwareSpec{CPU: true},
		Performance: contract.PerformanceSpec{
			WarmupIterations: 2,
		},
		Limits: contract.LimitsSpec{
			PreprocessTimeoutMS:     1000,
			InferenceTimeoutMS:      5000,
			PostprocessTimeoutMS:    1000,
			MaxConcurrentInferences: 1,
		},
		EntryPoints: contract.EntryPointsSpec{
			Runtime:     contract.RuntimeNative,
			Inference:   entry,
			Preprocess:  "pre.bin",
			Postprocess: "post.bin",
			Loader:      "load.bin",
		},
		Dir: "/models/sample_det/1.0.0",
	}
}

func newLoader() *Loader {
	return New(DefaultLoadBudget, false, zap.NewNop().Sugar())
}

func TestLoadRunsWeightsAndWarmup(t *testing.T) {
	fake := runtimetest.NewFakeModel("person_detected")
	runtime.RegisterNativeModel("full.bin", func() (runtime.Model, error) { return fake, nil })
	defer runtime.UnregisterNativeModel("full.bin")

	loaded, err := newLoader().Load(context.Background(), testDescriptor("full.bin"))
	require.NoError(t, err)
	defer func() { _ = loaded.Close() }()

	assert.NotNil(t, loaded.Pre)
	assert.NotNil(t, loaded.Post)
	assert.Equal(t, int64(1), fake.WeightsCalls.Load())
	assert.Equal(t, int64(2), fake.InferCalls.Load())
}

func TestLoadUnknownRuntimeKind(t *testing.T) {
	desc := testDescriptor("x.bin")
	desc.EntryPoints.Runtime = contract.RuntimeKind("exotic")

	_, err := newLoader().Load(context.Background(), desc)
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadMissingDependency, errdefs.KindOf(err))
	assert.False(t, errdefs.IsRetryable(err))
}

func TestLoadOpenFailure(t *testing.T) {
	runtime.RegisterNativeModel("broken.bin", func() (runtime.Model, error) {
		return nil, errors.New("cannot map weights")
	})
	defer runtime.UnregisterNativeModel("broken.bin")

	_, err := newLoader().Load(context.Background(), testDescriptor("broken.bin"))
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadImportFailed, errdefs.KindOf(err))
}

func TestLoadOOMClassifiedRetryable(t *testing.T) {
	runtime.RegisterNativeModel("oom.bin", func() (runtime.Model, error) {
		return nil, errors.New("CUDA out of memory")
	})
	defer runtime.UnregisterNativeModel("oom.bin")

	_, err := newLoader().Load(context.Background(), testDescriptor("oom.bin"))
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadOOM, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
}

func TestLoadWarmupFailureRetryable(t *testing.T) {
	fake := runtimetest.NewFakeModel("person_detected")
	fake.InferFunc = func(_ context.Context, _ interface{}) (interface{}, error) {
		return nil, errors.New("kernel crashed")
	}
	runtime.RegisterNativeModel("warmfail.bin", func() (runtime.Model, error) { return fake, nil })
	defer runtime.UnregisterNativeModel("warmfail.bin")

	_, err := newLoader().Load(context.Background(), testDescriptor("warmfail.bin"))
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadWarmupFailed, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
	assert.True(t, fake.Closed.Load())
}

func TestLoadBudgetTimeout(t *testing.T) {
	fake := runtimetest.NewFakeModel("person_detected")
	fake.InferFunc = runtimetest.SleepingInfer(time.Second, "person_detected")
	runtime.RegisterNativeModel("slow.bin", func() (runtime.Model, error) { return fake, nil })
	defer runtime.UnregisterNativeModel("slow.bin")

	l := New(50*time.Millisecond, false, zap.NewNop().Sugar())
	_, err := l.Load(context.Background(), testDescriptor("slow.bin"))
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadTimeout, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
}

func TestLoadGPUOnlyModelRejectedWithoutGPU(t *testing.T) {
	desc := testDescriptor("gpu.bin")
	desc.Hardware = contract.HardwareSpec{GPU: true}

	_, err := newLoader().Load(context.Background(), desc)
	require.Error(t, err)
	assert.Equal(t, errdefs.LoadMissingDependency, errdefs.KindOf(err))
}

func TestWarmupInputShapes(t *testing.T) {
	desc := testDescriptor("x.bin")
	desc.Input = contract.InputSpec{
		Kind:  contract.InputKindBatch,
		Batch: &contract.BatchSpec{MinSize: 4, MaxSize: 16},
	}
	in := WarmupInput(desc)
	assert.Len(t, in.Batch, 4)

	desc.Input = contract.InputSpec{
		Kind:     contract.InputKindTemporal,
		Temporal: &contract.TemporalSpec{MinFrames: 8, MaxFrames: 32},
	}
	in = WarmupInput(desc)
	assert.Len(t, in.Sequence, 8)
}
