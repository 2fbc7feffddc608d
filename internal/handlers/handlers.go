package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/oral-check/internal/auth"
	"github.com/example/oral-check/internal/backend"
	"github.com/example/oral-check/internal/classifier"
	"github.com/example/oral-check/internal/imageprocessor"
	"github.com/example/oral-check/internal/knowledge"
	"github.com/example/oral-check/internal/usecase"
)

// MaxUploadSize is the default per-image upload limit.
const MaxUploadSize = imageprocessor.DefaultMaxBytes

// multipartOverhead leaves room for form boundaries and headers around the image.
const multipartOverhead = 1 << 20

// DiagnosisService is the use case surface served over HTTP.
type DiagnosisService interface {
	Diagnose(ctx context.Context, userID string, image []byte) (string, *classifier.Result, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.ClassificationRecord, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// ModelLifecycle exposes the orchestrator's lifecycle operations.
type ModelLifecycle interface {
	Initialize(ctx context.Context) error
	Snapshot() classifier.Snapshot
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Diagnosis DiagnosisService
	Model     ModelLifecycle
	Knowledge *knowledge.Base
	// MaxUploadBytes defaults to MaxUploadSize when zero.
	MaxUploadBytes int64
}

type handler struct {
	deps Dependencies
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = MaxUploadSize
	}
	h := &handler{deps: deps}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)
	v1.GET("/model/status", h.modelStatus)
	v1.POST("/model/initialize", h.initializeModel)
	v1.POST("/classify", h.classify)
	v1.GET("/results/:id", h.getResult)
	v1.GET("/results/:id/duplicates", h.getDuplicates)
	v1.GET("/conditions", h.listConditions)
	v1.GET("/metrics", h.metrics)
}

func (h *handler) modelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Model.Snapshot())
}

func (h *handler) initializeModel(c *gin.Context) {
	if err := h.deps.Model.Initialize(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.deps.Model.Snapshot())
}

func (h *handler) classify(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user", "kind": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadBytes+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit", "kind": "invalid_input"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required", "kind": "invalid_input"})
		return
	}
	if file.Size > h.deps.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit", "kind": "invalid_input"})
		return
	}
	if !acceptablePartType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":     "unsupported image type",
			"kind":      "invalid_input",
			"supported": imageprocessor.SupportedTypes(),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image", "kind": "invalid_input"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image", "kind": "internal"})
		return
	}

	requestID, result, err := h.deps.Diagnosis.Diagnose(c.Request.Context(), userID, data)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"result":     result,
	})
}

func (h *handler) getResult(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	record, err := h.deps.Diagnosis.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *handler) getDuplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.deps.Diagnosis.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) listConditions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conditions": h.deps.Knowledge.Entries()})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.deps.Diagnosis.GetMetricsSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// acceptablePartType allows declared image types we support and leaves
// undeclared or generic parts to content sniffing.
func acceptablePartType(header string) bool {
	if header == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	if mediaType == "application/octet-stream" {
		return true
	}
	if mediaType == "image/jpg" {
		mediaType = "image/jpeg"
	}
	return strings.HasPrefix(mediaType, "image/") && imageprocessor.IsSupportedType(mediaType)
}

func writeError(c *gin.Context, err error) {
	status, kind := classifyError(err)
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, imageprocessor.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, usecase.ErrRequestInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, classifier.ErrNotReady):
		return http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, classifier.ErrInitializationFailed):
		return http.StatusServiceUnavailable, "initialization_failed"
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, backend.ErrInference):
		return http.StatusBadGateway, "inference_error"
	case errors.Is(err, knowledge.ErrUnknownCondition):
		return http.StatusInternalServerError, "unknown_condition"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
