package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
)

// Manager coordinates the segmentation job queue. Every status mutation goes
// through a single compare-and-set path in the store, so no two writers can
// race on the same job's status field.
type Manager struct {
	store       Store
	auth        Authorizer
	broadcaster broadcast.Broadcaster
	models      map[string]struct{}
	logger      *slog.Logger
}

// NewManager creates a queue manager. validModels is the closed set of model
// identifiers enqueue requests may reference.
func NewManager(store Store, auth Authorizer, b broadcast.Broadcaster, validModels []string, logger *slog.Logger) *Manager {
	models := make(map[string]struct{}, len(validModels))
	for _, m := range validModels {
		models[m] = struct{}{}
	}

	return &Manager{
		store:       store,
		auth:        auth,
		broadcaster: b,
		models:      models,
		logger:      logger,
	}
}

// EnqueueRequest describes one segmentation job submission.
type EnqueueRequest struct {
	ImageID   string
	ProjectID string
	UserID    string
	Priority  int
	Model     string
	Threshold float64
}

func (r *EnqueueRequest) validate(models map[string]struct{}) error {
	if r.ImageID == "" || r.ProjectID == "" || r.UserID == "" {
		return fmt.Errorf("image_id, project_id and user_id are required")
	}
	if _, ok := models[r.Model]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, r.Model)
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return ErrInvalidThreshold
	}
	return nil
}

// Enqueue validates ownership, assigns Queued status and returns immediately.
// Execution happens on background workers; the caller polls or subscribes.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*SegmentationJob, error) {
	if err := req.validate(m.models); err != nil {
		return nil, err
	}

	ok, err := m.auth.CanAccessProject(ctx, req.UserID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("ownership check failed: %w", err)
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	job := &SegmentationJob{
		ID:        uuid.New().String(),
		ImageID:   req.ImageID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Status:    StatusQueued,
		Priority:  req.Priority,
		Model:     req.Model,
		Threshold: req.Threshold,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Info("Segmentation job enqueued",
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.Int("priority", job.Priority),
		slog.String("model", job.Model),
	)

	m.broadcastStatus(ctx, job)
	m.broadcastQueueStats(ctx, job.ProjectID)

	return job, nil
}

// DequeueNext claims the highest-priority Queued job (FIFO within a priority
// tier) and transitions it to Processing as part of selection. Returns
// ErrNoQueuedJobs when the queue is empty.
func (m *Manager) DequeueNext(ctx context.Context) (*SegmentationJob, error) {
	job, err := m.store.ClaimNextQueued(ctx)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Segmentation job claimed",
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
	)

	m.broadcastStatus(ctx, job)
	return job, nil
}

// Cancel performs the atomic Queued|Processing→Cancelled transition. A job
// already in a terminal state is left untouched and the call is a no-op:
// cancellation never overwrites Completed or Failed.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.UserID != userID {
		ok, err := m.auth.CanAccessProject(ctx, userID, job.ProjectID)
		if err != nil {
			return fmt.Errorf("ownership check failed: %w", err)
		}
		if !ok {
			return ErrAccessDenied
		}
	}

	if !CanTransition(job.Status, StatusCancelled) {
		// Already terminal; skip the write entirely.
		m.logger.Debug("Cancel was a no-op, job already terminal",
			slog.String("job_id", jobID),
		)
		return nil
	}

	transitioned, err := m.store.CancelJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !transitioned {
		// Already terminal. Not an error.
		m.logger.Debug("Cancel was a no-op, job already terminal",
			slog.String("job_id", jobID),
		)
		return nil
	}

	m.logger.Info("Segmentation job cancelled",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	job.Status = StatusCancelled
	m.broadcastStatus(ctx, job)
	m.broadcastQueueStats(ctx, job.ProjectID)

	return nil
}

// CancelAllForUser cancels every Queued or Processing job owned by userID.
// Jobs owned by other users are never touched.
func (m *Manager) CancelAllForUser(ctx context.Context, userID string) (*CancelSummary, error) {
	cancelled, err := m.store.CancelAllForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel jobs for user: %w", err)
	}

	projects := make([]string, 0, len(cancelled))
	seen := make(map[string]struct{})
	for i := range cancelled {
		job := &cancelled[i]
		job.Status = StatusCancelled
		m.broadcastStatus(ctx, job)

		if _, ok := seen[job.ProjectID]; !ok {
			seen[job.ProjectID] = struct{}{}
			projects = append(projects, job.ProjectID)
		}
	}
	for _, projectID := range projects {
		m.broadcastQueueStats(ctx, projectID)
	}

	m.logger.Info("Cancelled all jobs for user",
		slog.String("user_id", userID),
		slog.Int("cancelled_count", len(cancelled)),
		slog.Int("affected_projects", len(projects)),
	)

	return &CancelSummary{
		CancelledCount:   len(cancelled),
		AffectedProjects: projects,
	}, nil
}

// Snapshot recomputes queue counts for a project or user scope.
func (m *Manager) Snapshot(ctx context.Context, projectID, userID string) (*Snapshot, error) {
	return m.store.QueueCounts(ctx, projectID, userID)
}

// GetJob retrieves a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*SegmentationJob, error) {
	return m.store.GetJob(ctx, jobID)
}

// CommitResult publishes an execution result through the Processing→Completed
// compare-and-set. When the CAS fails the job reached a terminal state while
// the forward pass was in flight (typically a user cancel) and the result is
// discarded; no Completed event is ever emitted for it.
func (m *Manager) CommitResult(ctx context.Context, job *SegmentationJob, result []byte, retryCount int) error {
	transitioned, err := m.store.CompleteJob(ctx, job.ID, result, retryCount)
	if err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	if !transitioned {
		m.logger.Info("Discarding late result, job no longer processing",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	m.logger.Info("Segmentation job completed",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", retryCount),
	)

	job.Status = StatusCompleted
	job.RetryCount = retryCount
	m.broadcastStatus(ctx, job)
	m.broadcastQueueStats(ctx, job.ProjectID)

	return nil
}

// MarkFailed records a terminal failure. The CAS guarantees a cancelled job
// is never overwritten with Failed.
func (m *Manager) MarkFailed(ctx context.Context, job *SegmentationJob, reason string, retryCount int) error {
	transitioned, err := m.store.FailJob(ctx, job.ID, reason, retryCount)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if !transitioned {
		m.logger.Info("Discarding failure for already-terminal job",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	m.logger.Warn("Segmentation job failed",
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
		slog.Int("retry_count", retryCount),
	)

	job.Status = StatusFailed
	job.ErrorMessage = reason
	m.broadcastStatus(ctx, job)
	m.broadcastQueueStats(ctx, job.ProjectID)

	return nil
}

func (m *Manager) broadcastStatus(ctx context.Context, job *SegmentationJob) {
	m.broadcaster.EmitToProject(ctx, job.ProjectID, broadcast.NewEvent(
		broadcast.KindSegmentationStatusUpdate,
		broadcast.SegmentationStatusPayload{
			JobID:     job.ID,
			ImageID:   job.ImageID,
			ProjectID: job.ProjectID,
			UserID:    job.UserID,
			Status:    string(job.Status),
			Error:     job.ErrorMessage,
		},
	))
}

func (m *Manager) broadcastQueueStats(ctx context.Context, projectID string) {
	snapshot, err := m.store.QueueCounts(ctx, projectID, "")
	if err != nil {
		m.logger.Warn("Failed to compute queue snapshot for broadcast",
			slog.String("project_id", projectID),
			slog.Any("error", err),
		)
		return
	}

	m.broadcaster.EmitToProject(ctx, projectID, broadcast.NewEvent(
		broadcast.KindQueueStatsUpdate,
		broadcast.QueueStatsPayload{
			ProjectID:  projectID,
			Queued:     snapshot.Queued,
			Processing: snapshot.Processing,
			Completed:  snapshot.Completed,
			Failed:     snapshot.Failed,
		},
	))
}
