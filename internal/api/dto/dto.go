package dto

import (
	"time"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

type EnqueueJobRequest struct {
	ImageID   string  `json:"image_id" binding:"required"`
	ProjectID string  `json:"project_id" binding:"required"`
	Priority  int     `json:"priority"`
	Model     string  `json:"model" binding:"required"`
	Threshold float64 `json:"threshold" binding:"required"`
}

type EnqueueBatchRequest struct {
	ProjectID string   `json:"project_id" binding:"required"`
	ImageIDs  []string `json:"image_ids" binding:"required,min=1"`
	Priority  int      `json:"priority"`
	Model     string   `json:"model" binding:"required"`
	Threshold float64  `json:"threshold" binding:"required"`
}

type JobDTO struct {
	JobID       string  `json:"job_id"`
	ImageID     string  `json:"image_id"`
	ProjectID   string  `json:"project_id"`
	UserID      string  `json:"user_id"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	Model       string  `json:"model"`
	Threshold   float64 `json:"threshold"`
	RetryCount  int     `json:"retry_count"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
}

// FromJob maps a queue row onto the wire representation.
func FromJob(job *queue.SegmentationJob) JobDTO {
	d := JobDTO{
		JobID:      job.ID,
		ImageID:    job.ImageID,
		ProjectID:  job.ProjectID,
		UserID:     job.UserID,
		Status:     string(job.Status),
		Priority:   job.Priority,
		Model:      job.Model,
		Threshold:  job.Threshold,
		RetryCount: job.RetryCount,
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return d
}

// EnqueueBatchResponse carries the created jobs. On a mid-batch failure the
// already-created jobs are still included alongside the error, so the caller
// knows which ids exist.
type EnqueueBatchResponse struct {
	Jobs  []JobDTO `json:"jobs"`
	Error string   `json:"error,omitempty"`
}

type CancelAllResponse struct {
	CancelledCount   int      `json:"cancelled_count"`
	AffectedProjects []string `json:"affected_projects"`
}

type QueueSnapshotResponse struct {
	ProjectID  string             `json:"project_id,omitempty"`
	UserID     string             `json:"user_id,omitempty"`
	Queued     int                `json:"queued"`
	Processing int                `json:"processing"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Entries    []queue.QueueEntry `json:"entries"`
}

// StartExportRequest selects export phases. Unset fields default to enabled,
// so an empty body requests a full export.
type StartExportRequest struct {
	IncludeOriginals      *bool `json:"include_originals"`
	IncludeVisualizations *bool `json:"include_visualizations"`
	IncludeAnnotations    *bool `json:"include_annotations"`
	IncludeMetrics        *bool `json:"include_metrics"`
	IncludeDocumentation  *bool `json:"include_documentation"`
}

// Options resolves the request into concrete export options.
func (r *StartExportRequest) Options() export.Options {
	opts := export.DefaultOptions()
	if r.IncludeOriginals != nil {
		opts.IncludeOriginals = *r.IncludeOriginals
	}
	if r.IncludeVisualizations != nil {
		opts.IncludeVisualizations = *r.IncludeVisualizations
	}
	if r.IncludeAnnotations != nil {
		opts.IncludeAnnotations = *r.IncludeAnnotations
	}
	if r.IncludeMetrics != nil {
		opts.IncludeMetrics = *r.IncludeMetrics
	}
	if r.IncludeDocumentation != nil {
		opts.IncludeDocumentation = *r.IncludeDocumentation
	}
	return opts
}
