// Package server exposes the runtime's HTTP surface: inference
// submission, model administration, health and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/concurrency"
	"github.com/visionworks/inferd/pkg/coordinator"
	"github.com/visionworks/inferd/pkg/discovery"
	"github.com/visionworks/inferd/pkg/errdefs"
	"github.com/visionworks/inferd/pkg/logging/ginlog"
	"github.com/visionworks/inferd/pkg/pipeline"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/runtime"
	"github.com/visionworks/inferd/pkg/sandbox"
)

// Rescanner triggers a models-root rescan; the discovery scanner
// satisfies it.
type Rescanner interface {
	Scan(ctx context.Context) (discovery.Summary, error)
}

// Server hosts the HTTP API.
type Server struct {
	pipeline    *pipeline.Pipeline
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	admission   *concurrency.Manager
	scanner     Rescanner
	logger      *zap.SugaredLogger

	engine *gin.Engine
	srv    *http.Server
}

// New assembles the server and its routes.
func New(addr string, p *pipeline.Pipeline, reg *registry.Registry, coord *coordinator.Coordinator, adm *concurrency.Manager, scanner Rescanner, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), ginlog.RequestLogger(logger))

	s := &Server{
		pipeline:    p,
		registry:    reg,
		coordinator: coord,
		admission:   adm,
		scanner:     scanner,
		logger:      logger,
		engine:      engine,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	engine.GET("/healthz", s.handleHealthz)
	// A nil gatherer disables the metrics endpoint.
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/v1")
	v1.POST("/inference", s.handleInference)
	v1.GET("/models", s.handleListModels)
	v1.GET("/models/:model", s.handleGetModel)
	v1.POST("/models/:model/versions/:version/enable", s.handleEnable)
	v1.POST("/models/:model/versions/:version/disable", s.handleDisable)
	v1.POST("/rescan", s.handleRescan)

	return s
}

// Handler exposes the routed engine, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the listener within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Status values of the inference response envelope.
const (
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusRejected = "REJECTED"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

type inferenceEnvelope struct {
	RequestID       string                   `json:"request_id"`
	ModelID         string                   `json:"model_id,omitempty"`
	Version         string                   `json:"version,omitempty"`
	Status          string                   `json:"status"`
	Result          *runtime.Output          `json:"result,omitempty"`
	Error           *errorBody               `json:"error,omitempty"`
	InferenceTimeMS int64                    `json:"inference_time_ms,omitempty"`
	StageTimings    map[sandbox.Stage]int64  `json:"stage_timings,omitempty"`
	Backpressure    concurrency.Backpressure `json:"backpressure,omitempty"`
}

func (s *Server) handleInference(ctx *gin.Context) {
	var req pipeline.Request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, inferenceEnvelope{
			Status: StatusRejected,
			Error:  &errorBody{Kind: string(errdefs.PipeRequestInvalid), Message: err.Error()},
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = ginlog.GetOrCreateRequestID(ctx)
	}

	resp, err := s.pipeline.Submit(ctx.Request.Context(), &req)
	if err != nil {
		typed := errdefs.AsError(err, errdefs.PipeResolutionFailed)
		ctx.JSON(httpStatusFor(typed), inferenceEnvelope{
			RequestID: req.RequestID,
			ModelID:   req.ModelID,
			Version:   typed.Version,
			Status:    envelopeStatus(typed),
			Error: &errorBody{
				Kind:      string(typed.Kind),
				Message:   typed.Message,
				Stage:     typed.Stage,
				Retryable: typed.Retryable,
			},
		})
		return
	}

	ctx.JSON(http.StatusOK, inferenceEnvelope{
		RequestID:       resp.RequestID,
		ModelID:         resp.ModelID,
		Version:         resp.Version,
		Status:          StatusSuccess,
		Result:          resp.Output,
		InferenceTimeMS: resp.DurationMS,
		StageTimings:    resp.StageTimings,
		Backpressure:    resp.Backpressure,
	})
}

// envelopeStatus maps execution failures to FAILED and everything
// rejected before model code ran to REJECTED.
func envelopeStatus(err *errdefs.Error) string {
	if err.Category() == errdefs.CategoryExecution {
		return StatusFailed
	}
	return StatusRejected
}

func httpStatusFor(err *errdefs.Error) int {
	switch err.Kind {
	case errdefs.PipeModelNotFound, errdefs.PipeVersionNotFound:
		return http.StatusNotFound
	case errdefs.PipeRequestInvalid, errdefs.PipeInvalidFrameRef,
		errdefs.PipeInputTypeMismatch, errdefs.PipeBatchSizeInvalid,
		errdefs.PipeTemporalLengthInvalid, errdefs.ExecInvalidInput:
		return http.StatusBadRequest
	case errdefs.PipeConcurrencyGlobal, errdefs.PipeConcurrencyModel,
		errdefs.PipeConcurrencyVersion, errdefs.PipeConcurrencyBackpressure:
		return http.StatusTooManyRequests
	case errdefs.PipeVersionNotReady, errdefs.PipeVersionUnhealthy,
		errdefs.PipeModelUnhealthy, errdefs.PipeNoEligibleVersion:
		return http.StatusConflict
	case errdefs.ExecPreprocessTimeout, errdefs.ExecInferenceTimeout,
		errdefs.ExecPostprocessTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type versionView struct {
	Version      string `json:"version"`
	State        string `json:"state"`
	Health       string `json:"health"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type modelView struct {
	ModelID  string        `json:"model_id"`
	Health   string        `json:"health"`
	Versions []versionView `json:"versions"`
}

func (s *Server) modelView(modelID string) (modelView, bool) {
	records := s.registry.VersionsOf(modelID)
	if len(records) == 0 {
		return modelView{}, false
	}
	view := modelView{
		ModelID: modelID,
		Health:  string(registry.DeriveModelHealth(records)),
	}
	for _, rec := range records {
		view.Versions = append(view.Versions, versionView{
			Version:      rec.Key.Version,
			State:        string(rec.State),
			Health:       string(rec.Health),
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
		})
	}
	return view, true
}

func (s *Server) handleListModels(ctx *gin.Context) {
	models := make([]modelView, 0)
	for _, modelID := range s.registry.ModelIDs() {
		if view, ok := s.modelView(modelID); ok {
			models = append(models, view)
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleGetModel(ctx *gin.Context) {
	view, ok := s.modelView(ctx.Param("model"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (s *Server) handleEnable(ctx *gin.Context) {
	key := registry.VersionKey{ModelID: ctx.Param("model"), Version: ctx.Param("version")}
	if err := s.coordinator.Reactivate(key); err != nil {
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) handleDisable(ctx *gin.Context) {
	key := registry.VersionKey{ModelID: ctx.Param("model"), Version: ctx.Param("version")}
	if err := s.coordinator.Disable(key, "ADMIN_DISABLED", "disabled by operator"); err != nil {
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (s *Server) handleRescan(ctx *gin.Context) {
	sum, err := s.scanner.Scan(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"discovered": sum.Discovered,
		"valid":      sum.Valid,
		"invalid":    sum.Invalid,
		"skipped":    sum.Skipped,
	})
}

func (s *Server) handleHealthz(ctx *gin.Context) {
	ready := len(s.registry.ByState(registry.StateReady))
	usage := s.admission.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"ready_models": ready,
		"in_flight":    usage.Global,
		"backpressure": usage.Level,
	})
}
