package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryDerivation(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected Category
	}{
		{DiscRootNotFound, CategoryDiscovery},
		{ValContractParseError, CategoryValidation},
		{LoadWarmupFailed, CategoryLoad},
		{ExecInferenceTimeout, CategoryExecution},
		{PipeNoEligibleVersion, CategoryPipeline},
		{PipeConcurrencyModel, CategoryConcurrency},
		{PipeConcurrencyGlobal, CategoryConcurrency},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.expected, New(tt.kind, "x").Category())
		})
	}
}

func TestRetryableFlag(t *testing.T) {
	assert.True(t, New(ExecInferenceTimeout, "slow").Retryable)
	assert.True(t, New(LoadOOM, "oom").Retryable)
	assert.True(t, New(PipeConcurrencyVersion, "busy").Retryable)
	assert.True(t, New(DiscPermissionDenied, "denied").Retryable)

	assert.False(t, New(ValContractParseError, "bad yaml").Retryable)
	assert.False(t, New(ExecInvalidInput, "shape").Retryable)
	assert.False(t, New(LoadImportFailed, "import").Retryable)
}

func TestErrorContextBuilders(t *testing.T) {
	err := New(ValDirectoryMismatch, "model_id mismatch").
		WithModel("sample_det", "1.0.0").
		WithPath("/models/sample_det/1.0.0").
		WithField("model_id").
		WithExpected("sample_det", "other_det")

	assert.Equal(t, "sample_det", err.ModelID)
	assert.Equal(t, "1.0.0", err.Version)
	assert.Equal(t, "model_id", err.Field)
	assert.Equal(t, "sample_det", err.Expected)
	assert.Equal(t, "other_det", err.Actual)
}

func TestUnwrapAndKindOf(t *testing.T) {
	cause := errors.New("disk gone")
	err := New(LoadWeightsFailed, "cannot read weights").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, LoadWeightsFailed, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, LoadWeightsFailed, KindOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil, ExecFailed))

	typed := New(ExecOOM, "oom")
	assert.Same(t, typed, AsError(typed, ExecFailed))

	foreign := errors.New("boom")
	converted := AsError(foreign, ExecFailed)
	require.NotNil(t, converted)
	assert.Equal(t, ExecFailed, converted.Kind)
	assert.ErrorIs(t, converted, foreign)
}

func TestIsMatchesOnKind(t *testing.T) {
	a := New(ExecInferenceTimeout, "a")
	b := New(ExecInferenceTimeout, "b")
	c := New(ExecInferenceFailed, "c")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
