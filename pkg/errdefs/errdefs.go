// Package errdefs defines the closed error taxonomy shared by every
// runtime component. Each error carries a Kind from the closed set, a
// Category, structured context and a retryable flag so that callers can
// branch without string matching.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups error kinds by the subsystem that produced them.
type Category string

const (
	CategoryDiscovery   Category = "discovery"
	CategoryValidation  Category = "validation"
	CategoryLoad        Category = "load"
	CategoryExecution   Category = "execution"
	CategoryPipeline    Category = "pipeline"
	CategoryConcurrency Category = "concurrency"
)

// Kind is a member of the closed error taxonomy.
type Kind string

// Discovery errors.
const (
	DiscRootNotFound     Kind = "DISC_ROOT_NOT_FOUND"
	DiscRootNotDirectory Kind = "DISC_ROOT_NOT_DIRECTORY"
	DiscPermissionDenied Kind = "DISC_PERMISSION_DENIED"
	DiscInvalidModelID   Kind = "DISC_INVALID_MODEL_ID"
	DiscInvalidVersion   Kind = "DISC_INVALID_VERSION"
	DiscNoVersions       Kind = "DISC_NO_VERSIONS"
	DiscForbiddenSymlink Kind = "DISC_FORBIDDEN_SYMLINK"
)

// Validation / contract errors.
const (
	ValContractNotFound         Kind = "VAL_CONTRACT_NOT_FOUND"
	ValContractParseError       Kind = "VAL_CONTRACT_PARSE_ERROR"
	ValMissingRequiredField     Kind = "VAL_MISSING_REQUIRED_FIELD"
	ValWrongType                Kind = "VAL_WRONG_TYPE"
	ValOutOfRange               Kind = "VAL_OUT_OF_RANGE"
	ValDirectoryMismatch        Kind = "VAL_DIRECTORY_MISMATCH"
	ValRequiredFileMissing      Kind = "VAL_REQUIRED_FILE_MISSING"
	ValUnsupportedSchemaVersion Kind = "VAL_UNSUPPORTED_SCHEMA_VERSION"
	ValHardwareIncompatible     Kind = "VAL_HARDWARE_INCOMPATIBLE"
	ValInvalidInputKind         Kind = "VAL_INVALID_INPUT_KIND"
	ValInvalidOutputSchema      Kind = "VAL_INVALID_OUTPUT_SCHEMA"
	ValForbiddenContent         Kind = "VAL_FORBIDDEN_CONTENT"
	ValConditionalRequirement   Kind = "VAL_CONDITIONAL_REQUIREMENT"
	ValInvalidIdentifier        Kind = "VAL_INVALID_IDENTIFIER"
)

// Load errors.
const (
	LoadImportFailed        Kind = "LOAD_IMPORT_FAILED"
	LoadInferNotFound       Kind = "LOAD_INFER_NOT_FOUND"
	LoadPreprocessNotFound  Kind = "LOAD_PREPROCESS_NOT_FOUND"
	LoadPostprocessNotFound Kind = "LOAD_POSTPROCESS_NOT_FOUND"
	LoadSyntaxError         Kind = "LOAD_SYNTAX_ERROR"
	LoadWeightsFailed       Kind = "LOAD_WEIGHTS_FAILED"
	LoadOOM                 Kind = "LOAD_OOM"
	LoadTimeout             Kind = "LOAD_TIMEOUT"
	LoadWarmupFailed        Kind = "LOAD_WARMUP_FAILED"
	LoadMissingDependency   Kind = "LOAD_MISSING_DEPENDENCY"
	LoadFailed              Kind = "LOAD_FAILED"
)

// Execution errors.
const (
	ExecPreprocessFailed   Kind = "EXEC_PREPROCESS_FAILED"
	ExecPreprocessTimeout  Kind = "EXEC_PREPROCESS_TIMEOUT"
	ExecInferenceFailed    Kind = "EXEC_INFERENCE_FAILED"
	ExecInferenceTimeout   Kind = "EXEC_INFERENCE_TIMEOUT"
	ExecPostprocessFailed  Kind = "EXEC_POSTPROCESS_FAILED"
	ExecPostprocessTimeout Kind = "EXEC_POSTPROCESS_TIMEOUT"
	ExecOOM                Kind = "EXEC_OOM"
	ExecInvalidInput       Kind = "EXEC_INVALID_INPUT"
	ExecInvalidOutput      Kind = "EXEC_INVALID_OUTPUT"
	ExecCancelled          Kind = "EXEC_CANCELLED"
	ExecModelNotReady      Kind = "EXEC_MODEL_NOT_READY"
	ExecFailed             Kind = "EXEC_FAILED"
)

// Pipeline / admission errors.
const (
	PipeModelNotFound           Kind = "PIPE_MODEL_NOT_FOUND"
	PipeVersionNotFound         Kind = "PIPE_VERSION_NOT_FOUND"
	PipeVersionNotReady         Kind = "PIPE_VERSION_NOT_READY"
	PipeVersionUnhealthy        Kind = "PIPE_VERSION_UNHEALTHY"
	PipeModelUnhealthy          Kind = "PIPE_MODEL_UNHEALTHY"
	PipeNoEligibleVersion       Kind = "PIPE_NO_ELIGIBLE_VERSION"
	PipeResolutionFailed        Kind = "PIPE_RESOLUTION_FAILED"
	PipeInvalidFrameRef         Kind = "PIPE_INVALID_FRAME_REF"
	PipeInputTypeMismatch       Kind = "PIPE_INPUT_TYPE_MISMATCH"
	PipeBatchSizeInvalid        Kind = "PIPE_BATCH_SIZE_INVALID"
	PipeTemporalLengthInvalid   Kind = "PIPE_TEMPORAL_LENGTH_INVALID"
	PipeNoSandbox               Kind = "PIPE_NO_SANDBOX"
	PipeRequestInvalid          Kind = "PIPE_REQUEST_INVALID"
	PipeConcurrencyGlobal       Kind = "PIPE_CONCURRENCY_GLOBAL_LIMIT"
	PipeConcurrencyModel        Kind = "PIPE_CONCURRENCY_MODEL_LIMIT"
	PipeConcurrencyVersion      Kind = "PIPE_CONCURRENCY_VERSION_LIMIT"
	PipeConcurrencyBackpressure Kind = "PIPE_CONCURRENCY_BACKPRESSURE"
)

// Registry errors (internal, surfaced through the pipeline taxonomy).
const (
	RegistryAlreadyRegistered Kind = "REGISTRY_ALREADY_REGISTERED"
	RegistryNotFound          Kind = "REGISTRY_NOT_FOUND"
	RegistryInvalidTransition Kind = "REGISTRY_INVALID_TRANSITION"
)

// retryableKinds holds the kinds whose retryable flag defaults to true.
var retryableKinds = map[Kind]bool{
	DiscPermissionDenied:        true,
	LoadOOM:                     true,
	LoadTimeout:                 true,
	LoadWarmupFailed:            true,
	ExecPreprocessTimeout:       true,
	ExecInferenceTimeout:        true,
	ExecPostprocessTimeout:      true,
	ExecOOM:                     true,
	PipeConcurrencyGlobal:       true,
	PipeConcurrencyModel:        true,
	PipeConcurrencyVersion:      true,
	PipeConcurrencyBackpressure: true,
}

// Error is the single concrete error type carried across component
// boundaries. Context fields are populated only when they apply.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool

	ModelID    string
	Version    string
	Path       string
	Field      string
	Expected   string
	Actual     string
	Stage      string
	RequestID  string
	DurationMS int64

	Cause error
}

// New creates an Error of the given kind. The retryable flag is derived
// from the taxonomy.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
	}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is match on kind when the target is an *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// CategoryOf returns the subsystem category derived from the kind prefix.
func (e *Error) Category() Category {
	switch {
	case strings.HasPrefix(string(e.Kind), "DISC_"):
		return CategoryDiscovery
	case strings.HasPrefix(string(e.Kind), "VAL_"):
		return CategoryValidation
	case strings.HasPrefix(string(e.Kind), "LOAD_"):
		return CategoryLoad
	case strings.HasPrefix(string(e.Kind), "EXEC_"):
		return CategoryExecution
	case strings.HasPrefix(string(e.Kind), "PIPE_CONCURRENCY"):
		return CategoryConcurrency
	default:
		return CategoryPipeline
	}
}

// WithModel attaches the model identity.
func (e *Error) WithModel(modelID, version string) *Error {
	e.ModelID = modelID
	e.Version = version
	return e
}

// WithPath attaches the filesystem path the error refers to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithField attaches the contract field the error refers to.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithExpected records an expected/actual pair for mismatch errors.
func (e *Error) WithExpected(expected, actual string) *Error {
	e.Expected = expected
	e.Actual = actual
	return e
}

// WithStage attaches the execution stage.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRequest attaches the request identifier.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithDuration records how long the failing operation ran.
func (e *Error) WithDuration(ms int64) *Error {
	e.DurationMS = ms
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// KindOf extracts the Kind from any error, or "" when the error is not
// part of the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// AsError extracts the typed error, or wraps a foreign error under the
// given fallback kind so downstream consumers always see the taxonomy.
func AsError(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(fallback, err.Error()).WithCause(err)
}
