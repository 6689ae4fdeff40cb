// Package runtime defines the entry-point binding used to execute model
// code. Bindings are pluggable via a factory registry keyed by the
// contract's declared runtime kind; each Open yields a fresh isolated
// instance so versions never share state.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/visionworks/inferd/pkg/contract"
)

// Frame references one decoded frame. The runtime never decodes video;
// the reference is opaque to it.
type Frame struct {
	Reference string `json:"reference"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
}

// Input is the validated input handed to a sandbox.
type Input struct {
	Kind     contract.InputKind `json:"kind"`
	Frame    *Frame             `json:"frame,omitempty"`
	Batch    []Frame            `json:"batch,omitempty"`
	Sequence []Frame            `json:"sequence,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// Box is one detection bounding box.
type Box struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Output is the schema-validated result of one execution. The runtime
// does not interpret it beyond schema validation.
type Output struct {
	Event    string                 `json:"event"`
	Boxes    []Box                  `json:"boxes,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Model is the required inference callable of a loaded version.
// Intermediate stage values are opaque to the runtime.
type Model interface {
	Infer(ctx context.Context, input interface{}) (interface{}, error)
	Close() error
}

// Preprocessor is the optional preprocess callable.
type Preprocessor interface {
	Preprocess(ctx context.Context, input interface{}) (interface{}, error)
}

// Postprocessor is the optional postprocess callable.
type Postprocessor interface {
	Postprocess(ctx context.Context, output interface{}) (interface{}, error)
}

// WeightsLoader is the optional loader callable invoked with the
// package's weights directory before warm-up.
type WeightsLoader interface {
	LoadWeights(ctx context.Context, weightsDir string) error
}

// Factory opens model instances for one runtime kind.
type Factory interface {
	Kind() contract.RuntimeKind
	Open(ctx context.Context, desc *contract.Descriptor) (Model, error)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[contract.RuntimeKind]Factory)
)

// RegisterFactory makes a runtime binding available to the loader.
// Panics on duplicate registration, like database/sql drivers.
func RegisterFactory(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("runtime: RegisterFactory with nil factory")
	}
	if _, dup := factories[f.Kind()]; dup {
		panic(fmt.Sprintf("runtime: factory %q registered twice", f.Kind()))
	}
	factories[f.Kind()] = f
}

// LookupFactory returns the binding for a runtime kind.
func LookupFactory(kind contract.RuntimeKind) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}
