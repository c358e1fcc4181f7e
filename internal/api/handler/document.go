package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smartace-venus/docpipe/internal/service"
)

// DocumentHandler handles document upload and ingestion endpoints.
type DocumentHandler struct {
	tracker *service.TrackerService
	ingest  *service.IngestService
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - tracker: upload job tracker.
//   - ingest: batch ingestion orchestrator, for direct ingestion of
//     pre-parsed content.
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(tracker *service.TrackerService, ingest *service.IngestService) *DocumentHandler {
	return &DocumentHandler{
		tracker: tracker,
		ingest:  ingest,
	}
}

// SubmitUpload handles POST /api/v1/documents.
// Accepts a multipart form with one or more files and a user_id field, runs
// the quota check synchronously, and returns a job id for status polling.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) SubmitUpload(c *gin.Context) {
	userID := c.PostForm("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id is required",
		})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid multipart form: " + err.Error(),
		})
		return
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "At least one file is required",
		})
		return
	}

	files := make([]service.UploadFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Failed to read file " + fh.Filename + ": " + err.Error(),
			})
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Failed to read file " + fh.Filename + ": " + err.Error(),
			})
			return
		}
		files = append(files, service.UploadFile{
			Name:    fh.Filename,
			Size:    fh.Size,
			Content: content,
		})
	}

	jobID, err := h.tracker.Submit(c.Request.Context(), userID, files)
	if err != nil {
		if service.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit upload: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
	})
}

// JobStatus handles GET /api/v1/documents/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) JobStatus(c *gin.Context) {
	job, err := h.tracker.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job status: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// AcknowledgeJob handles POST /api/v1/documents/jobs/:id/ack.
// Resets a failed job back to idle so a fresh submission can follow.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) AcknowledgeJob(c *gin.Context) {
	if err := h.tracker.Acknowledge(c.Param("id")); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// IngestRequest is the body for direct ingestion of pre-parsed content.
type IngestRequest struct {
	UserID   string   `json:"user_id" binding:"required"`
	FileName string   `json:"file_name" binding:"required"`
	Pages    []string `json:"pages" binding:"required"`
}

// Ingest handles POST /api/v1/documents/ingest.
// Runs the batch ingestion pipeline synchronously on already-parsed pages and
// returns the run summary including the filter tag.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	result, err := h.ingest.Ingest(c.Request.Context(), req.Pages, req.FileName, req.UserID)
	if err != nil {
		switch {
		case service.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
		case errors.Is(err, service.ErrIngestTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error": "Ingestion deadline exceeded",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Ingestion failed: " + err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}
