package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/registry"
)

const root = "/mnt/models"

func contractFor(modelID, version string) string {
	return fmt.Sprintf(`model_id: %s
version: %s
display_name: Test Model
contract_schema_version: 1.0.0
input:
  kind: frame
output:
  events: [person_detected]
hardware:
  cpu: true
performance: {}
entry_points:
  inference: infer.bin
`, modelID, version)
}

func writeModel(t *testing.T, fs afero.Fs, modelID, version string) {
	t.Helper()
	dir := filepath.Join(root, modelID, version)
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, contract.WeightsDirName), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, contract.ContractFileName),
		[]byte(contractFor(modelID, version)), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "infer.bin"), []byte{1}, 0o644))
}

func newScanner(fs afero.Fs) (*Scanner, *registry.Registry) {
	logger := zap.NewNop().Sugar()
	reg := registry.New(logger)
	validator := contract.NewValidator(fs, logger)
	return NewScanner(fs, root, validator, reg, logger), reg
}

func TestScanRegistersValidModels(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModel(t, fs, "sample_det", "1.0.0")
	writeModel(t, fs, "sample_det", "1.1.0")
	writeModel(t, fs, "other_cls", "2.0.0")

	scanner, reg := newScanner(fs)
	sum, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 3, sum.Valid)
	assert.Equal(t, 0, sum.Invalid)

	rec, ok := reg.Get(registry.VersionKey{ModelID: "sample_det", Version: "1.1.0"})
	require.True(t, ok)
	assert.Equal(t, registry.StateValid, rec.State)
	require.NotNil(t, rec.Descriptor)
	assert.Equal(t, "sample_det", rec.Descriptor.ModelID)
}

func TestScanSkipsMalformedNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModel(t, fs, "sample_det", "1.0.0")
	// Bad model id and bad version directories must be skipped, not fatal.
	require.NoError(t, fs.MkdirAll(filepath.Join(root, "Bad-Name", "1.0.0"), 0o755))
	require.NoError(t, fs.MkdirAll(filepath.Join(root, "sample_det", "not-a-version"), 0o755))

	scanner, reg := newScanner(fs)
	sum, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Valid)
	assert.Equal(t, 2, sum.Skipped)
	assert.Len(t, reg.Snapshot(), 1)
}

func TestScanOneBadPackageDoesNotBlockOthers(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModel(t, fs, "good_det", "1.0.0")
	// Package with contract but no weights or entry point.
	badDir := filepath.Join(root, "bad_det", "1.0.0")
	require.NoError(t, fs.MkdirAll(badDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(badDir, contract.ContractFileName),
		[]byte(contractFor("bad_det", "1.0.0")), 0o644))

	scanner, reg := newScanner(fs)
	sum, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Valid)
	assert.Equal(t, 1, sum.Invalid)

	bad, ok := reg.Get(registry.VersionKey{ModelID: "bad_det", Version: "1.0.0"})
	require.True(t, ok)
	assert.Equal(t, registry.StateInvalid, bad.State)
	assert.NotEmpty(t, bad.ErrorCode)

	good, ok := reg.Get(registry.VersionKey{ModelID: "good_det", Version: "1.0.0"})
	require.True(t, ok)
	assert.Equal(t, registry.StateValid, good.State)
}

func TestRescanPicksUpFixedPackage(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := filepath.Join(root, "flaky_det", "1.0.0")
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, contract.ContractFileName),
		[]byte(contractFor("flaky_det", "1.0.0")), 0o644))

	scanner, reg := newScanner(fs)
	key := registry.VersionKey{ModelID: "flaky_det", Version: "1.0.0"}

	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	rec, _ := reg.Get(key)
	require.Equal(t, registry.StateInvalid, rec.State)

	// Fix the package on disk, rescan.
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, contract.WeightsDirName), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "infer.bin"), []byte{1}, 0o644))

	_, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	rec, _ = reg.Get(key)
	assert.Equal(t, registry.StateValid, rec.State)
}

func TestRescanLeavesValidatedVersionsAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModel(t, fs, "sample_det", "1.0.0")

	scanner, reg := newScanner(fs)
	key := registry.VersionKey{ModelID: "sample_det", Version: "1.0.0"}

	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, reg.UpdateState(key, registry.StateLoading))
	require.NoError(t, reg.UpdateState(key, registry.StateReady))

	_, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	rec, _ := reg.Get(key)
	assert.Equal(t, registry.StateReady, rec.State)
}

func TestScanMissingRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	scanner, _ := newScanner(fs)

	_, err := scanner.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.DiscRootNotFound, errdefs.KindOf(err))
}
