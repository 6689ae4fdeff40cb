package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/concurrency"
	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/coordinator"
	"github.com/visionworks/inferd/pkg/discovery"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/loader"
	"github.com/visionworks/inferd/pkg/metrics"
	"github.com/visionworks/inferd/pkg/pipeline"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/resolver"
	"github.com/visionworks/inferd/pkg/runtime"
	"github.com/visionworks/inferd/pkg/runtime/runtimetest"
	"github.com/visionworks/inferd/pkg/semver"
)

type fakeScanner struct{ sum discovery.Summary }

func (f *fakeScanner) Scan(context.Context) (discovery.Summary, error) { return f.sum, nil }

type fixture struct {
	server      *Server
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	reg := registry.New(logger)
	ldr := loader.New(5*time.Second, false, logger)

	adm := concurrency.NewManager(concurrency.DefaultLimits(), logger)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	var coord *coordinator.Coordinator
	brk := breaker.New(breaker.DefaultPolicy(), logger,
		breaker.WithOnOpen(func(key registry.VersionKey, reason string) {
			coord.OnCircuitOpen(key, reason)
		}))
	coord = coordinator.New(reg, ldr, brk, adm, m, logger)
	res := resolver.New(reg, brk, logger)

	p := pipeline.New(res, brk, adm, coord, m, logger)

	srv := New("127.0.0.1:0", p, reg, coord, adm, &fakeScanner{sum: discovery.Summary{Discovered: 3, Valid: 2, Invalid: 1}}, promReg, logger)
	return &fixture{server: srv, registry: reg, coordinator: coord}
}

func (f *fixture) install(t *testing.T, version, entry string) registry.VersionKey {
	t.Helper()
	key := registry.VersionKey{ModelID: "sample_det", Version: version}
	require.NoError(t, f.registry.Register(key))
	require.NoError(t, f.registry.UpdateState(key, registry.StateValidating))
	require.NoError(t, f.registry.SetDescriptor(key, &contract.Descriptor{
		ModelID:    "sample_det",
		Version:    semver.MustParse(version),
		RawVersion: version,
		Input:      contract.InputSpec{Kind: contract.InputKindFrame},
		Output:     contract.OutputSpec{Events: []string{"person_detected"}},
		Hardware:   contract.HardwareSpec{CPU: true},
		Limits: contract.LimitsSpec{
			PreprocessTimeoutMS:     500,
			InferenceTimeoutMS:      500,
			PostprocessTimeoutMS:    500,
			MaxConcurrentInferences: 1,
		},
		EntryPoints: contract.EntryPointsSpec{
			Runtime:   contract.RuntimeNative,
			Inference: entry,
		},
	}))
	require.NoError(t, f.registry.UpdateState(key, registry.StateValid))
	require.NoError(t, f.coordinator.Activate(context.Background(), key))
	return key
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func inferenceBody(version string) map[string]interface{} {
	return map[string]interface{}{
		"model_id": "sample_det",
		"version":  version,
		"input": map[string]interface{}{
			"kind":  "frame",
			"frame": map[string]interface{}{"reference": "shm://frame-1", "width": 640, "height": 480, "format": "rgb8"},
		},
	}
}

func TestInferenceSuccess(t *testing.T) {
	runtime.RegisterNativeModel("det.bin", func() (runtime.Model, error) {
		return runtimetest.NewFakeModel("person_detected"), nil
	})
	defer runtime.UnregisterNativeModel("det.bin")

	f := newFixture(t)
	f.install(t, "1.0.0", "det.bin")

	rec := f.do(t, http.MethodPost, "/v1/inference", inferenceBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	var env inferenceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "1.0.0", env.Version)
	assert.Equal(t, "person_detected", env.Result.Event)
	assert.NotEmpty(t, env.RequestID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInferenceUnknownModelRejected(t *testing.T) {
	f := newFixture(t)

	body := inferenceBody("")
	body["model_id"] = "ghost_det"
	rec := f.do(t, http.MethodPost, "/v1/inference", body)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var env inferenceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, StatusRejected, env.Status)
	assert.Equal(t, string(errdefs.PipeModelNotFound), env.Error.Kind)
}

func TestInferenceExecutionFailure(t *testing.T) {
	fake := runtimetest.NewFakeModel("unknown_event")
	runtime.RegisterNativeModel("odd.bin", func() (runtime.Model, error) { return fake, nil })
	defer runtime.UnregisterNativeModel("odd.bin")

	f := newFixture(t)
	f.install(t, "1.0.0", "odd.bin")

	rec := f.do(t, http.MethodPost, "/v1/inference", inferenceBody("1.0.0"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var env inferenceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, StatusFailed, env.Status)
	assert.Equal(t, string(errdefs.ExecInvalidOutput), env.Error.Kind)
}

func TestModelListingAndDetail(t *testing.T) {
	runtime.RegisterNativeModel("det.bin", func() (runtime.Model, error) {
		return runtimetest.NewFakeModel("person_detected"), nil
	})
	defer runtime.UnregisterNativeModel("det.bin")

	f := newFixture(t)
	f.install(t, "1.0.0", "det.bin")

	rec := f.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sample_det")

	rec = f.do(t, http.MethodGet, "/v1/models/sample_det", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view modelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "READY", view.Versions[0].State)

	rec = f.do(t, http.MethodGet, "/v1/models/ghost_det", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisableAndEnableVersion(t *testing.T) {
	runtime.RegisterNativeModel("det.bin", func() (runtime.Model, error) {
		return runtimetest.NewFakeModel("person_detected"), nil
	})
	defer runtime.UnregisterNativeModel("det.bin")

	f := newFixture(t)
	key := f.install(t, "1.0.0", "det.bin")

	rec := f.do(t, http.MethodPost, "/v1/models/sample_det/versions/1.0.0/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record, _ := f.registry.Get(key)
	assert.Equal(t, registry.StateDisabled, record.State)

	// Disabled versions no longer serve.
	rec = f.do(t, http.MethodPost, "/v1/inference", inferenceBody("1.0.0"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/models/sample_det/versions/1.0.0/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/inference", inferenceBody("1.0.0"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRescanHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/rescan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"discovered":3`)

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
