// Package runtimetest provides configurable fake models for tests.
package runtimetest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/visionworks/inferd/pkg/runtime"
)

// FakeModel is a scriptable model implementing every optional callable.
// Behavior fields may be swapped before the model is exercised.
type FakeModel struct {
	InferFunc      func(ctx context.Context, input interface{}) (interface{}, error)
	PreprocessFunc func(ctx context.Context, input interface{}) (interface{}, error)
	PostprocessFn  func(ctx context.Context, output interface{}) (interface{}, error)
	WeightsFunc    func(ctx context.Context, weightsDir string) error

	InferCalls   atomic.Int64
	WeightsCalls atomic.Int64
	Closed       atomic.Bool
}

var _ runtime.Model = (*FakeModel)(nil)
var _ runtime.Preprocessor = (*FakeModel)(nil)
var _ runtime.Postprocessor = (*FakeModel)(nil)
var _ runtime.WeightsLoader = (*FakeModel)(nil)

// NewFakeModel returns a model whose Infer emits a fixed detection
// event and echoes through the optional stages.
func NewFakeModel(event string) *FakeModel {
	return &FakeModel{
		InferFunc: func(_ context.Context, _ interface{}) (interface{}, error) {
			return &runtime.Output{Event: event}, nil
		},
		PreprocessFunc: func(_ context.Context, input interface{}) (interface{}, error) {
			return input, nil
		},
		PostprocessFn: func(_ context.Context, output interface{}) (interface{}, error) {
			return output, nil
		},
		WeightsFunc: func(_ context.Context, _ string) error { return nil },
	}
}

func (m *FakeModel) Infer(ctx context.Context, input interface{}) (interface{}, error) {
	m.InferCalls.Add(1)
	return m.InferFunc(ctx, input)
}

func (m *FakeModel) Preprocess(ctx context.Context, input interface{}) (interface{}, error) {
	return m.PreprocessFunc(ctx, input)
}

func (m *FakeModel) Postprocess(ctx context.Context, output interface{}) (interface{}, error) {
	return m.PostprocessFn(ctx, output)
}

func (m *FakeModel) LoadWeights(ctx context.Context, weightsDir string) error {
	m.WeightsCalls.Add(1)
	return m.WeightsFunc(ctx, weightsDir)
}

func (m *FakeModel) Close() error {
	m.Closed.Store(true)
	return nil
}

// SleepingInfer returns an Infer behavior that blocks for d unless the
// context expires first, then emits event.
func SleepingInfer(d time.Duration, event string) func(ctx context.Context, input interface{}) (interface{}, error) {
	return func(ctx context.Context, _ interface{}) (interface{}, error) {
		select {
		case <-time.After(d):
			return &runtime.Output{Event: event}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
