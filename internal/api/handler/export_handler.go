package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/api/dto"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
)

// ExportHandler handles export HTTP requests
type ExportHandler struct {
	logger *slog.Logger
	svc    *export.Service
}

// NewExportHandler creates a new ExportHandler instance
func NewExportHandler(deps *Dependencies) *ExportHandler {
	return &ExportHandler{
		logger: deps.Logger,
		svc:    deps.ExportSvc,
	}
}

// StartExport handles POST /api/v1/projects/:project_id/export
func (h *ExportHandler) StartExport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.StartExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	opts := req.Options()
	if len(opts.EnabledPhases()) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one export section must be enabled"})
		return
	}

	job, err := h.svc.Start(c.Request.Context(), c.Param("project_id"), userID, opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetExport handles GET /api/v1/export/:job_id
func (h *ExportHandler) GetExport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	job, err := h.svc.Get(c.Request.Context(), c.Param("job_id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelExport handles POST /api/v1/export/:job_id/cancel
func (h *ExportHandler) CancelExport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := h.svc.Cancel(c.Request.Context(), c.Param("job_id"), userID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// DownloadExport handles GET /api/v1/export/:job_id/download
// The artifact is served only for Completed jobs; everything else is a 409
// even when the file transiently exists on disk.
func (h *ExportHandler) DownloadExport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	path, fileName, err := h.svc.DownloadPath(c.Request.Context(), c.Param("job_id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Serving export archive",
		slog.String("job_id", c.Param("job_id")),
		slog.String("file", fileName),
	)

	c.FileAttachment(path, fileName)
}
