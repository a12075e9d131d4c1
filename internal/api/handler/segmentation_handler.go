package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/api/dto"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/dispatch"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

// SegmentationHandler handles segmentation queue HTTP requests
type SegmentationHandler struct {
	logger     *slog.Logger
	manager    *queue.Manager
	dispatcher *dispatch.Publisher
}

// NewSegmentationHandler creates a new SegmentationHandler instance
func NewSegmentationHandler(deps *Dependencies) *SegmentationHandler {
	return &SegmentationHandler{
		logger:     deps.Logger,
		manager:    deps.QueueManager,
		dispatcher: deps.Dispatcher,
	}
}

// EnqueueJob handles POST /api/v1/segmentation/jobs
func (h *SegmentationHandler) EnqueueJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	job, err := h.manager.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		ImageID:   req.ImageID,
		ProjectID: req.ProjectID,
		UserID:    userID,
		Priority:  req.Priority,
		Model:     req.Model,
		Threshold: req.Threshold,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.dispatcher.DispatchSegmentation(c.Request.Context(), job.ID); err != nil {
		// The row exists and workers poll, so the job is delayed, not lost.
		h.logger.Warn("Failed to dispatch segmentation job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	c.JSON(http.StatusCreated, dto.FromJob(job))
}

// EnqueueBatch handles POST /api/v1/segmentation/jobs/batch
// Every image in the batch shares the project, model, threshold and priority.
func (h *SegmentationHandler) EnqueueBatch(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.EnqueueBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	jobs := make([]dto.JobDTO, 0, len(req.ImageIDs))
	for _, imageID := range req.ImageIDs {
		job, err := h.manager.Enqueue(c.Request.Context(), queue.EnqueueRequest{
			ImageID:   imageID,
			ProjectID: req.ProjectID,
			UserID:    userID,
			Priority:  req.Priority,
			Model:     req.Model,
			Threshold: req.Threshold,
		})
		if err != nil {
			// Jobs created before the failure are real and dispatched; hand
			// their ids back so the caller does not resubmit them.
			status, msg := errorStatus(h.logger, err)
			c.JSON(status, dto.EnqueueBatchResponse{Jobs: jobs, Error: msg})
			return
		}

		if err := h.dispatcher.DispatchSegmentation(c.Request.Context(), job.ID); err != nil {
			h.logger.Warn("Failed to dispatch segmentation job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}

		jobs = append(jobs, dto.FromJob(job))
	}

	c.JSON(http.StatusCreated, dto.EnqueueBatchResponse{Jobs: jobs})
}

// GetJob handles GET /api/v1/segmentation/jobs/:job_id
func (h *SegmentationHandler) GetJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	job, err := h.manager.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if job.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": queue.ErrAccessDenied.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// CancelJob handles POST /api/v1/segmentation/jobs/:job_id/cancel
// Cancelling an already-terminal job succeeds without changing it.
func (h *SegmentationHandler) CancelJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := h.manager.Cancel(c.Request.Context(), c.Param("job_id"), userID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// CancelAll handles POST /api/v1/segmentation/jobs/cancel-all
func (h *SegmentationHandler) CancelAll(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	summary, err := h.manager.CancelAllForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelAllResponse{
		CancelledCount:   summary.CancelledCount,
		AffectedProjects: summary.AffectedProjects,
	})
}

// GetQueueSnapshot handles GET /api/v1/segmentation/queue
// Scope is selected by the project_id query parameter; without it the
// snapshot covers the calling user's jobs.
func (h *SegmentationHandler) GetQueueSnapshot(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	projectID := c.Query("project_id")
	scopeUser := userID
	if projectID != "" {
		scopeUser = ""
	}

	snapshot, err := h.manager.Snapshot(c.Request.Context(), projectID, scopeUser)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.QueueSnapshotResponse{
		ProjectID:  snapshot.ProjectID,
		UserID:     snapshot.UserID,
		Queued:     snapshot.Queued,
		Processing: snapshot.Processing,
		Completed:  snapshot.Completed,
		Failed:     snapshot.Failed,
		Entries:    snapshot.Entries,
	})
}
