package contract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/semver"
)

// forbiddenExtensions are executable-script extensions rejected anywhere
// in a version directory except inside weights/.
var forbiddenExtensions = map[string]bool{
	".sh":    true,
	".bash":  true,
	".exe":   true,
	".dll":   true,
	".dylib": true,
}

// requiredTopLevelFields must be present in the raw contract mapping.
var requiredTopLevelFields = []string{
	"model_id",
	"version",
	"display_name",
	"contract_schema_version",
	"input",
	"output",
	"hardware",
	"performance",
}

// Result is the outcome of validating one version directory. Either
// Descriptor is set or Errors is non-empty; all errors are collected,
// validation never stops at the first failure.
type Result struct {
	Descriptor *Descriptor
	Errors     []*errdefs.Error
}

// Valid reports whether validation produced a descriptor.
func (r *Result) Valid() bool { return len(r.Errors) == 0 && r.Descriptor != nil }

// ErrorOrNil folds the collected errors into a single error value.
func (r *Result) ErrorOrNil() error {
	var merr *multierror.Error
	for _, e := range r.Errors {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}

// Validator validates contracts against the on-disk package layout.
type Validator struct {
	fs     afero.Fs
	logger *zap.SugaredLogger
}

// NewValidator creates a validator over the given filesystem.
func NewValidator(fs afero.Fs, logger *zap.SugaredLogger) *Validator {
	return &Validator{fs: fs, logger: logger}
}

// Validate validates the version directory at dir against the expected
// identity derived from the directory names. All stages run and
// accumulate errors; only a clean run yields a descriptor.
func (v *Validator) Validate(dir, expectedModelID, expectedVersion string) *Result {
	res := &Result{}
	add := func(e *errdefs.Error) {
		res.Errors = append(res.Errors, e.WithModel(expectedModelID, expectedVersion))
	}

	contractPath := filepath.Join(dir, ContractFileName)
	raw, err := afero.ReadFile(v.fs, contractPath)
	if err != nil {
		add(errdefs.Newf(errdefs.ValContractNotFound, "contract file not readable: %v", err).WithPath(contractPath))
		return res
	}

	var mapping map[string]interface{}
	if err := yaml.Unmarshal(raw, &mapping); err != nil {
		add(errdefs.Newf(errdefs.ValContractParseError, "contract is not a valid mapping: %v", err).WithPath(contractPath))
		return res
	}

	for _, field := range requiredTopLevelFields {
		if _, ok := mapping[field]; !ok {
			add(errdefs.Newf(errdefs.ValMissingRequiredField, "required field %q missing", field).WithField(field).WithPath(contractPath))
		}
	}

	var c Contract
	if err := yaml.Unmarshal(raw, &c); err != nil {
		add(errdefs.Newf(errdefs.ValWrongType, "contract has wrongly typed fields: %v", err).WithPath(contractPath))
		// Without a typed parse the remaining stages have nothing to
		// check against.
		return res
	}

	v.checkIdentity(&c, expectedModelID, expectedVersion, add)
	v.checkSchemaVersion(&c, add)
	v.checkInput(&c, add)
	v.checkOutput(&c, add)
	v.checkHardware(&c, add)
	v.checkLimits(&c, add)
	v.checkRequiredFiles(&c, dir, add)
	v.checkForbiddenContent(dir, add)

	if len(res.Errors) > 0 {
		return res
	}

	parsed, err := semver.Parse(c.Version)
	if err != nil {
		// Unreachable after identity checks, kept as a guard.
		add(errdefs.Newf(errdefs.ValInvalidIdentifier, "version %q: %v", c.Version, err).WithField("version"))
		return res
	}

	res.Descriptor = buildDescriptor(&c, parsed, dir)
	return res
}

func (v *Validator) checkIdentity(c *Contract, expectedModelID, expectedVersion string, add func(*errdefs.Error)) {
	if c.ModelID != "" && !ModelIDPattern.MatchString(c.ModelID) {
		add(errdefs.Newf(errdefs.ValInvalidIdentifier, "model_id %q does not match %s", c.ModelID, ModelIDPattern).WithField("model_id"))
	}
	if c.ModelID != "" && c.ModelID != expectedModelID {
		add(errdefs.New(errdefs.ValDirectoryMismatch, "declared model_id does not match directory name").
			WithField("model_id").WithExpected(expectedModelID, c.ModelID))
	}
	if c.Version != "" {
		if _, err := semver.Parse(c.Version); err != nil {
			add(errdefs.Newf(errdefs.ValInvalidIdentifier, "version %q: %v", c.Version, err).WithField("version"))
		} else if c.Version != expectedVersion {
			add(errdefs.New(errdefs.ValDirectoryMismatch, "declared version does not match directory name").
				WithField("version").WithExpected(expectedVersion, c.Version))
		}
	}
}

func (v *Validator) checkSchemaVersion(c *Contract, add func(*errdefs.Error)) {
	if c.ContractSchemaVersion == "" {
		return // already reported as a missing required field
	}
	for _, supported := range SupportedSchemaVersions {
		if c.ContractSchemaVersion == supported {
			return
		}
	}
	add(errdefs.Newf(errdefs.ValUnsupportedSchemaVersion, "contract_schema_version %q not supported", c.ContractSchemaVersion).
		WithField("contract_schema_version").
		WithExpected(strings.Join(SupportedSchemaVersions, ","), c.ContractSchemaVersion))
}

func (v *Validator) checkInput(c *Contract, add func(*errdefs.Error)) {
	switch c.Input.Kind {
	case InputKindFrame, InputKindBatch, InputKindTemporal:
	case "":
		add(errdefs.New(errdefs.ValMissingRequiredField, "input.kind is required").WithField("input.kind"))
		return
	default:
		add(errdefs.Newf(errdefs.ValInvalidInputKind, "input.kind %q is not one of frame, batch, temporal", c.Input.Kind).WithField("input.kind"))
		return
	}

	if c.Input.MinWidth < 0 || c.Input.MinHeight < 0 || c.Input.Channels < 0 {
		add(errdefs.New(errdefs.ValOutOfRange, "input shape constraints must be non-negative").WithField("input"))
	}
	if c.Input.MaxWidth > 0 && c.Input.MinWidth > c.Input.MaxWidth {
		add(errdefs.Newf(errdefs.ValOutOfRange, "input.min_width %d exceeds max_width %d", c.Input.MinWidth, c.Input.MaxWidth).WithField("input.min_width"))
	}
	if c.Input.MaxHeight > 0 && c.Input.MinHeight > c.Input.MaxHeight {
		add(errdefs.Newf(errdefs.ValOutOfRange, "input.min_height %d exceeds max_height %d", c.Input.MinHeight, c.Input.MaxHeight).WithField("input.min_height"))
	}

	if c.Input.Kind == InputKindBatch {
		if c.Input.Batch == nil {
			add(errdefs.New(errdefs.ValConditionalRequirement, "batch input kind requires the batch sub-record").WithField("input.batch"))
		} else if c.Input.Batch.MinSize < 1 || c.Input.Batch.MaxSize < c.Input.Batch.MinSize {
			add(errdefs.Newf(errdefs.ValOutOfRange, "batch size range [%d,%d] is invalid", c.Input.Batch.MinSize, c.Input.Batch.MaxSize).WithField("input.batch"))
		}
	}
	if c.Input.Kind == InputKindTemporal {
		if c.Input.Temporal == nil {
			add(errdefs.New(errdefs.ValConditionalRequirement, "temporal input kind requires the temporal sub-record").WithField("input.temporal"))
		} else if c.Input.Temporal.MinFrames < 1 || c.Input.Temporal.MaxFrames < c.Input.Temporal.MinFrames {
			add(errdefs.Newf(errdefs.ValOutOfRange, "temporal frame range [%d,%d] is invalid", c.Input.Temporal.MinFrames, c.Input.Temporal.MaxFrames).WithField("input.temporal"))
		}
	}
}

func (v *Validator) checkOutput(c *Contract, add func(*errdefs.Error)) {
	if len(c.Output.Events) == 0 {
		add(errdefs.New(errdefs.ValInvalidOutputSchema, "output.events must declare at least one event").WithField("output.events"))
	}
	for _, e := range c.Output.Events {
		if e == "" {
			add(errdefs.New(errdefs.ValInvalidOutputSchema, "output.events contains an empty event name").WithField("output.events"))
		}
	}
	if len(c.Output.MetadataKeys) > 0 && !c.Output.ProvidesMetadata {
		add(errdefs.New(errdefs.ValInvalidOutputSchema, "metadata_keys declared but provides_metadata is false").WithField("output.metadata_keys"))
	}
}

func (v *Validator) checkHardware(c *Contract, add func(*errdefs.Error)) {
	if !c.Hardware.CPU && !c.Hardware.GPU && !c.Hardware.Jetson {
		add(errdefs.New(errdefs.ValHardwareIncompatible, "hardware must enable at least one of cpu, gpu, jetson").WithField("hardware"))
	}
	if c.Hardware.MinMemoryMB < 0 {
		add(errdefs.New(errdefs.ValOutOfRange, "hardware.min_memory_mb must be non-negative").WithField("hardware.min_memory_mb"))
	}
}

func (v *Validator) checkLimits(c *Contract, add func(*errdefs.Error)) {
	if c.Limits == nil {
		return // defaults apply
	}
	if c.Limits.PreprocessTimeoutMS < 0 || c.Limits.InferenceTimeoutMS < 0 || c.Limits.PostprocessTimeoutMS < 0 {
		add(errdefs.New(errdefs.ValOutOfRange, "limits timeouts must be non-negative").WithField("limits"))
	}
	if c.Limits.MaxConcurrentInferences < 0 {
		add(errdefs.New(errdefs.ValOutOfRange, "limits.max_concurrent_inferences must be non-negative").WithField("limits.max_concurrent_inferences"))
	}
	if c.Limits.MaxMemoryMB != nil && *c.Limits.MaxMemoryMB <= 0 {
		add(errdefs.New(errdefs.ValOutOfRange, "limits.max_memory_mb must be positive when set").WithField("limits.max_memory_mb"))
	}
}

func (v *Validator) checkRequiredFiles(c *Contract, dir string, add func(*errdefs.Error)) {
	weightsDir := filepath.Join(dir, WeightsDirName)
	if info, err := v.fs.Stat(weightsDir); err != nil || !info.IsDir() {
		add(errdefs.New(errdefs.ValRequiredFileMissing, "weights directory missing").WithPath(weightsDir).WithField("weights"))
	}

	if c.EntryPoints.Inference == "" {
		add(errdefs.New(errdefs.ValMissingRequiredField, "entry_points.inference is required").WithField("entry_points.inference"))
	} else {
		v.checkEntryFile(dir, c.EntryPoints.Inference, "entry_points.inference", add)
	}

	// Optional entry points must exist when declared.
	if c.EntryPoints.Preprocess != "" {
		v.checkEntryFile(dir, c.EntryPoints.Preprocess, "entry_points.preprocess", add)
	}
	if c.EntryPoints.Postprocess != "" {
		v.checkEntryFile(dir, c.EntryPoints.Postprocess, "entry_points.postprocess", add)
	}
	if c.EntryPoints.Loader != "" {
		v.checkEntryFile(dir, c.EntryPoints.Loader, "entry_points.loader", add)
	}

	if c.EntryPoints.Runtime == RuntimeSidecar && c.EntryPoints.SidecarURL == "" {
		add(errdefs.New(errdefs.ValConditionalRequirement, "sidecar runtime requires entry_points.sidecar_url").WithField("entry_points.sidecar_url"))
	}
}

func (v *Validator) checkEntryFile(dir, name, field string, add func(*errdefs.Error)) {
	path := filepath.Join(dir, name)
	if info, err := v.fs.Stat(path); err != nil || info.IsDir() {
		add(errdefs.Newf(errdefs.ValRequiredFileMissing, "declared entry point %q missing", name).WithPath(path).WithField(field))
	}
}

func (v *Validator) checkForbiddenContent(dir string, add func(*errdefs.Error)) {
	lstater, canLstat := v.fs.(afero.Lstater)

	err := afero.Walk(v.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are reported by other stages
		}

		if canLstat {
			if fi, lstatCalled, lerr := lstater.LstatIfPossible(path); lerr == nil && lstatCalled && fi.Mode()&os.ModeSymlink != 0 {
				if v.symlinkEscapes(dir, path) {
					add(errdefs.New(errdefs.ValForbiddenContent, "symlink resolves outside the version directory").WithPath(path))
				}
				return nil
			}
		}

		if info.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if forbiddenExtensions[ext] && !insideWeights(dir, path) {
			add(errdefs.Newf(errdefs.ValForbiddenContent, "executable script %q is not allowed", filepath.Base(path)).WithPath(path))
		}
		return nil
	})
	if err != nil {
		add(errdefs.Newf(errdefs.ValForbiddenContent, "cannot inspect version directory: %v", err).WithPath(dir))
	}
}

// symlinkEscapes resolves a symlink through the host filesystem and
// reports whether the target leaves the version directory. Only the OS
// filesystem can carry symlinks; other afero backends never get here.
func (v *Validator) symlinkEscapes(dir, path string) bool {
	target, err := os.Readlink(path)
	if err != nil {
		return true
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		resolved = filepath.Clean(target)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(absDir, resolved)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func insideWeights(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Join(dir, WeightsDirName), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func buildDescriptor(c *Contract, version semver.Version, dir string) *Descriptor {
	limits := LimitsSpec{
		PreprocessTimeoutMS:     DefaultPreprocessTimeoutMS,
		InferenceTimeoutMS:      DefaultInferenceTimeoutMS,
		PostprocessTimeoutMS:    DefaultPostprocessTimeoutMS,
		MaxConcurrentInferences: DefaultMaxConcurrentInferences,
	}
	if c.Limits != nil {
		if c.Limits.PreprocessTimeoutMS > 0 {
			limits.PreprocessTimeoutMS = c.Limits.PreprocessTimeoutMS
		}
		if c.Limits.InferenceTimeoutMS > 0 {
			limits.InferenceTimeoutMS = c.Limits.InferenceTimeoutMS
		}
		if c.Limits.PostprocessTimeoutMS > 0 {
			limits.PostprocessTimeoutMS = c.Limits.PostprocessTimeoutMS
		}
		if c.Limits.MaxConcurrentInferences > 0 {
			limits.MaxConcurrentInferences = c.Limits.MaxConcurrentInferences
		}
		limits.MaxMemoryMB = c.Limits.MaxMemoryMB
	}

	entry := c.EntryPoints
	if entry.Runtime == "" {
		entry.Runtime = RuntimeNative
	}

	return &Descriptor{
		ModelID:      c.ModelID,
		Version:      version,
		RawVersion:   c.Version,
		DisplayName:  c.DisplayName,
		Input:        c.Input,
		Output:       c.Output,
		Hardware:     c.Hardware,
		Performance:  c.Performance,
		Limits:       limits,
		Capabilities: c.Capabilities,
		EntryPoints:  entry,
		Dir:          dir,
	}
}

// String renders the descriptor identity for logs.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s/%s", d.ModelID, d.RawVersion)
}
