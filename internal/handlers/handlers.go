package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/alert"
	"github.com/example/leafscan/internal/auth"
	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/modelruntime"
	"github.com/example/leafscan/internal/usecase"
)

// MaxUploadSize is the largest accepted image upload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and the lang field.
const multipartOverhead = 1 << 20

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response was written.
const statusClientClosedRequest = 499

// DiagnosisService is the use case surface the handlers depend on.
type DiagnosisService interface {
	Diagnose(ctx context.Context, farmerID string, imageBytes []byte, lang string) (*usecase.Diagnosis, error)
	GetResult(ctx context.Context, farmerID, diagnosisID string) (*usecase.Diagnosis, error)
	SendAlert(ctx context.Context, farmerID string, req usecase.AlertRequest) (alert.Result, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	Catalog() *catalog.Catalog
}

// StatusReporter describes readiness for GET /health.
type StatusReporter interface {
	ModelState() modelruntime.State
	AlertsConfigured() bool
}

type alertRequest struct {
	DiagnosisID string `json:"diagnosis_id"`
	Disease     string `json:"disease"`
	Confidence  string `json:"confidence"`
	Location    string `json:"location"`
	Phone       string `json:"phone"`
	Language    string `json:"lang"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc DiagnosisService, status StatusReporter, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"model":             status.ModelState().String(),
			"alerts_configured": status.AlertsConfigured(),
		})
	})

	router.GET("/catalog", func(c *gin.Context) {
		cat := svc.Catalog()
		lang := cat.ResolveLanguage(c.Query("lang"))
		c.JSON(http.StatusOK, gin.H{
			"lang":      lang,
			"languages": cat.Languages(),
			"classes":   PresentCatalog(cat, lang),
		})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/diagnose", func(c *gin.Context) {
		farmerID, ok := auth.GetFarmerID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		if !AcceptedImage(file.Header.Get("Content-Type"), data) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
			return
		}

		d, err := svc.Diagnose(c.Request.Context(), farmerID, data, c.PostForm("lang"))
		if err != nil {
			code, message := diagnoseErrorStatus(err)
			if code >= http.StatusInternalServerError {
				logger.Error("diagnosis failed", zap.Error(err), zap.String("farmer_id", farmerID))
			}
			c.JSON(code, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, PresentDiagnosis(d))
	})

	protected.GET("/diagnoses/:id", func(c *gin.Context) {
		farmerID, ok := auth.GetFarmerID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		d, err := svc.GetResult(c.Request.Context(), farmerID, c.Param("id"))
		if err != nil {
			if errors.Is(err, usecase.ErrDiagnosisNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			logger.Error("failed to load diagnosis", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, PresentDiagnosis(d))
	})

	protected.POST("/send-alert", func(c *gin.Context) {
		farmerID, ok := auth.GetFarmerID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		var req alertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		res, err := svc.SendAlert(c.Request.Context(), farmerID, usecase.AlertRequest{
			DiagnosisID: req.DiagnosisID,
			Disease:     req.Disease,
			Confidence:  req.Confidence,
			Location:    req.Location,
			Phone:       req.Phone,
			Language:    req.Language,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, res)
		case errors.Is(err, alert.ErrRelayFailed), errors.Is(err, alert.ErrNotConfigured):
			logger.Warn("alert not delivered, returning fallback", zap.Error(err))
			c.JSON(http.StatusOK, res)
		case errors.Is(err, alert.ErrInvalidPhone), errors.Is(err, alert.ErrMissingFields):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, usecase.ErrDiagnosisNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		case errors.Is(err, usecase.ErrNotDiagnosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			logger.Error("alert failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send alert"})
		}
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// AcceptedImage reports whether an upload is one of the supported image
// types. The declared part type is trusted unless it is missing or generic,
// in which case the content is sniffed.
func AcceptedImage(declared string, data []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return imageprocessor.AllowedContentType(mediaType)
	}
	return imageprocessor.AllowedContentType(http.DetectContentType(data))
}

func diagnoseErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "request cancelled"
	case errors.Is(err, imageprocessor.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported image type"
	case errors.Is(err, usecase.ErrInvalidImage):
		return http.StatusBadRequest, "image could not be decoded"
	case errors.Is(err, modelruntime.ErrModelLoadFailed),
		errors.Is(err, modelruntime.ErrModelNotLoaded),
		errors.Is(err, modelruntime.ErrTimeout),
		errors.Is(err, catalog.ErrCatalogMismatch):
		return http.StatusServiceUnavailable, "model error"
	case errors.Is(err, modelruntime.ErrInferenceFailed):
		return http.StatusInternalServerError, "analysis failed, please try again"
	default:
		return http.StatusInternalServerError, "diagnosis failed"
	}
}
