// Package contract defines the on-disk model contract schema and the
// validator that turns a version directory into an immutable descriptor.
package contract

import (
	"regexp"
	"time"

	"github.com/visionworks/inferd/pkg/semver"
)

// ContractFileName is the declarative contract file inside a version
// directory.
const ContractFileName = "contract.yaml"

// WeightsDirName is the required weights directory inside a version
// directory.
const WeightsDirName = "weights"

// SupportedSchemaVersions enumerates the contract schema versions this
// runtime understands.
var SupportedSchemaVersions = []string{"1.0.0"}

// ModelIDPattern constrains model identifiers: lowercase, starts with a
// letter, 3-64 chars.
var ModelIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)

// InputKind is the declared input family of a model.
type InputKind string

const (
	InputKindFrame    InputKind = "frame"
	InputKindBatch    InputKind = "batch"
	InputKindTemporal InputKind = "temporal"
)

// RuntimeKind selects the entry-point binding used to execute the model.
type RuntimeKind string

const (
	RuntimeNative  RuntimeKind = "native"
	RuntimeSidecar RuntimeKind = "sidecar"
)

// Contract is the raw declarative mapping parsed from ContractFileName.
type Contract struct {
	ModelID               string          `json:"model_id"`
	Version               string          `json:"version"`
	DisplayName           string          `json:"display_name"`
	ContractSchemaVersion string          `json:"contract_schema_version"`
	Input                 InputSpec       `json:"input"`
	Output                OutputSpec      `json:"output"`
	Hardware              HardwareSpec    `json:"hardware"`
	Performance           PerformanceSpec `json:"performance"`
	Limits                *LimitsSpec     `json:"limits,omitempty"`
	Capabilities          []string        `json:"capabilities,omitempty"`
	EntryPoints           EntryPointsSpec `json:"entry_points"`
}

// InputSpec declares the input kind and its shape constraints.
type InputSpec struct {
	Kind      InputKind     `json:"kind"`
	MinWidth  int           `json:"min_width,omitempty"`
	MaxWidth  int           `json:"max_width,omitempty"`
	MinHeight int           `json:"min_height,omitempty"`
	MaxHeight int           `json:"max_height,omitempty"`
	Channels  int           `json:"channels,omitempty"`
	Batch     *BatchSpec    `json:"batch,omitempty"`
	Temporal  *TemporalSpec `json:"temporal,omitempty"`
}

// BatchSpec constrains batch inputs.
type BatchSpec struct {
	MinSize         int `json:"min_size"`
	MaxSize         int `json:"max_size"`
	RecommendedSize int `json:"recommended_size,omitempty"`
}

// TemporalSpec constrains temporal-sequence inputs.
type TemporalSpec struct {
	MinFrames         int     `json:"min_frames"`
	MaxFrames         int     `json:"max_frames"`
	RecommendedFrames int     `json:"recommended_frames,omitempty"`
	FPS               float64 `json:"fps,omitempty"`
}

// OutputSpec declares the output schema the sandbox validates against.
type OutputSpec struct {
	Events           []string `json:"events"`
	ProvidesBoxes    bool     `json:"provides_bounding_boxes,omitempty"`
	ProvidesMetadata bool     `json:"provides_metadata,omitempty"`
	MetadataKeys     []string `json:"metadata_keys,omitempty"`
}

// HardwareSpec declares platform compatibility.
type HardwareSpec struct {
	CPU         bool `json:"cpu"`
	GPU         bool `json:"gpu"`
	Jetson      bool `json:"jetson,omitempty"`
	MinMemoryMB int  `json:"min_memory_mb,omitempty"`
}

// PerformanceSpec carries advisory performance hints.
type PerformanceSpec struct {
	InferenceTimeHintMS int     `json:"inference_time_hint_ms,omitempty"`
	RecommendedFPS      float64 `json:"recommended_fps,omitempty"`
	MaxFPS              float64 `json:"max_fps,omitempty"`
	WarmupIterations    int     `json:"warmup_iterations,omitempty"`
}

// LimitsSpec carries resource limits; omitted non-critical fields get
// defaults during validation.
type LimitsSpec struct {
	MaxMemoryMB             *int `json:"max_memory_mb,omitempty"`
	PreprocessTimeoutMS     int  `json:"preprocess_timeout_ms,omitempty"`
	InferenceTimeoutMS      int  `json:"inference_timeout_ms,omitempty"`
	PostprocessTimeoutMS    int  `json:"postprocess_timeout_ms,omitempty"`
	MaxConcurrentInferences int  `json:"max_concurrent_inferences,omitempty"`
}

// EntryPointsSpec names the executable entry points of the package.
type EntryPointsSpec struct {
	Runtime     RuntimeKind `json:"runtime,omitempty"`
	Inference   string      `json:"inference"`
	Preprocess  string      `json:"preprocess,omitempty"`
	Postprocess string      `json:"postprocess,omitempty"`
	Loader      string      `json:"loader,omitempty"`
	SidecarURL  string      `json:"sidecar_url,omitempty"`
}

// Default limit values applied for non-critical omissions.
const (
	DefaultPreprocessTimeoutMS     = 1000
	DefaultInferenceTimeoutMS      = 5000
	DefaultPostprocessTimeoutMS    = 1000
	DefaultMaxConcurrentInferences = 1
)

// Descriptor is the immutable, validated form of a contract. It is the
// unit stored in the registry and consumed by the loader and sandbox.
type Descriptor struct {
	ModelID     string
	Version     semver.Version
	RawVersion  string
	DisplayName string

	Input        InputSpec
	Output       OutputSpec
	Hardware     HardwareSpec
	Performance  PerformanceSpec
	Limits       LimitsSpec
	Capabilities []string
	EntryPoints  EntryPointsSpec

	// Dir is the absolute version directory the descriptor was
	// validated from.
	Dir string
}

// PreprocessTimeout returns the per-stage preprocess budget.
func (d *Descriptor) PreprocessTimeout() time.Duration {
	return time.Duration(d.Limits.PreprocessTimeoutMS) * time.Millisecond
}

// InferenceTimeout returns the per-stage inference budget.
func (d *Descriptor) InferenceTimeout() time.Duration {
	return time.Duration(d.Limits.InferenceTimeoutMS) * time.Millisecond
}

// PostprocessTimeout returns the per-stage postprocess budget.
func (d *Descriptor) PostprocessTimeout() time.Duration {
	return time.Duration(d.Limits.PostprocessTimeoutMS) * time.Millisecond
}

// AllowsEvent reports whether the event name is part of the declared
// output enum.
func (d *Descriptor) AllowsEvent(event string) bool {
	for _, e := range d.Output.Events {
		if e == event {
			return true
		}
	}
	return false
}

// AllowsMetadataKey reports whether the metadata key is declared. An
// empty key list with ProvidesMetadata set means any key is allowed.
func (d *Descriptor) AllowsMetadataKey(key string) bool {
	if !d.Output.ProvidesMetadata {
		return false
	}
	if len(d.Output.MetadataKeys) == 0 {
		return true
	}
	for _, k := range d.Output.MetadataKeys {
		if k == key {
			return true
		}
	}
	return false
}
