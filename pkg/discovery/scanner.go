// Package discovery walks the models root, validates candidate version
// directories and registers the results. One malformed package never
// blocks discovery of the others.
package discovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/semver"
)

// Summary reports what one scan pass found.
type Summary struct {
	Discovered int
	Valid      int
	Invalid    int
	Skipped    int
}

// Scanner discovers model packages under a fixed root directory.
type Scanner struct {
	fs        afero.Fs
	root      string
	validator *contract.Validator
	reg       *registry.Registry
	logger    *zap.SugaredLogger
}

// NewScanner creates a scanner over the given filesystem and root.
func NewScanner(fs afero.Fs, root string, validator *contract.Validator, reg *registry.Registry, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{fs: fs, root: root, validator: validator, reg: reg, logger: logger}
}

// Scan walks <root>/<model_id>/<version>/ two levels deep and registers
// every candidate. Invalid directory names are skipped with a warning.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	var sum Summary

	info, err := s.fs.Stat(s.root)
	if err != nil {
		if os.IsPermission(err) {
			return sum, errdefs.Newf(errdefs.DiscPermissionDenied, "models root not readable: %v", err).WithPath(s.root)
		}
		return sum, errdefs.Newf(errdefs.DiscRootNotFound, "models root missing: %v", err).WithPath(s.root)
	}
	if !info.IsDir() {
		return sum, errdefs.New(errdefs.DiscRootNotDirectory, "models root is not a directory").WithPath(s.root)
	}

	modelDirs, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return sum, errdefs.Newf(errdefs.DiscPermissionDenied, "cannot list models root: %v", err).WithPath(s.root)
	}

	for _, modelDir := range modelDirs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if !modelDir.IsDir() {
			continue
		}

		modelID := modelDir.Name()
		if !contract.ModelIDPattern.MatchString(modelID) {
			s.logger.Warnw("Skipping directory with invalid model id", "dir", modelID)
			sum.Skipped++
			continue
		}

		versionDirs, err := afero.ReadDir(s.fs, filepath.Join(s.root, modelID))
		if err != nil {
			s.logger.Warnw("Cannot list model directory", "model", modelID, "error", err)
			sum.Skipped++
			continue
		}

		versions := 0
		for _, versionDir := range versionDirs {
			if !versionDir.IsDir() {
				continue
			}
			versionName := versionDir.Name()
			if _, err := semver.Parse(versionName); err != nil {
				s.logger.Warnw("Skipping directory with invalid version", "model", modelID, "dir", versionName)
				sum.Skipped++
				continue
			}
			versions++
			s.processCandidate(modelID, versionName, &sum)
		}

		if versions == 0 {
			s.logger.Warnw("Model directory has no version directories", "model", modelID)
		}
	}

	s.logger.Infow("Discovery scan finished",
		"root", s.root,
		"discovered", sum.Discovered,
		"valid", sum.Valid,
		"invalid", sum.Invalid,
		"skipped", sum.Skipped)
	return sum, nil
}

// processCandidate registers and validates one (model, version) pair.
// Versions already past validation are left untouched; FAILED and
// INVALID versions are re-validated so a fixed package is picked up on
// rescan.
func (s *Scanner) processCandidate(modelID, version string, sum *Summary) {
	key := registry.VersionKey{ModelID: modelID, Version: version}
	dir := filepath.Join(s.root, modelID, version)

	if err := s.reg.Register(key); err != nil {
		rec, ok := s.reg.Get(key)
		if !ok {
			return
		}
		switch rec.State {
		case registry.StateFailed, registry.StateInvalid:
			// fall through to re-validation
		default:
			return
		}
	} else {
		sum.Discovered++
	}

	if err := s.reg.UpdateState(key, registry.StateValidating); err != nil {
		s.logger.Warnw("Cannot move version to VALIDATING", "version", key, "error", err)
		return
	}

	res := s.validator.Validate(dir, modelID, version)
	if res.Valid() {
		if err := s.reg.SetDescriptor(key, res.Descriptor); err != nil {
			s.logger.Errorw("Cannot attach descriptor", "version", key, "error", err)
			return
		}
		if err := s.reg.UpdateState(key, registry.StateValid); err != nil {
			s.logger.Errorw("Cannot move version to VALID", "version", key, "error", err)
			return
		}
		sum.Valid++
		s.logger.Infow("Validated model version", "version", key)
		return
	}

	first := res.Errors[0]
	if err := s.reg.UpdateState(key, registry.StateInvalid,
		registry.WithError(string(first.Kind), res.ErrorOrNil().Error())); err != nil {
		s.logger.Errorw("Cannot move version to INVALID", "version", key, "error", err)
		return
	}
	sum.Invalid++
	s.logger.Warnw("Model version failed validation",
		"version", key, "errors", len(res.Errors), "first", first.Error())
}
