package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

const segmentationJobColumns = `
	job_id, image_id, project_id, user_id, status, priority, model,
	threshold, retry_count, error_message, created_at, started_at, completed_at
`

// CreateJob inserts a new segmentation job row.
func (s *Storage) CreateJob(ctx context.Context, job *queue.SegmentationJob) error {
	query := `
		INSERT INTO segmentation_jobs (
			job_id, image_id, project_id, user_id, status, priority,
			model, threshold, retry_count, error_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.ImageID,
		job.ProjectID,
		job.UserID,
		job.Status,
		job.Priority,
		job.Model,
		job.Threshold,
		job.RetryCount,
		job.ErrorMessage,
		job.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create segmentation job: %w", err)
	}

	return nil
}

// GetJob retrieves a segmentation job by id.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*queue.SegmentationJob, error) {
	var job queue.SegmentationJob
	query := `SELECT ` + segmentationJobColumns + ` FROM segmentation_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get segmentation job: %w", err)
	}

	return &job, nil
}

// ClaimNextQueued atomically selects the highest-priority queued job (FIFO
// within a priority tier) and transitions it to Processing. SKIP LOCKED keeps
// concurrent workers from ever claiming the same row.
func (s *Storage) ClaimNextQueued(ctx context.Context) (*queue.SegmentationJob, error) {
	query := `
		UPDATE segmentation_jobs
		SET status = $1,
		    started_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM segmentation_jobs
			WHERE status = $2
			ORDER BY priority DESC, created_at ASC, job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + segmentationJobColumns

	var job queue.SegmentationJob
	err := s.db.QueryRowxContext(ctx, query, queue.StatusProcessing, queue.StatusQueued).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoQueuedJobs
		}
		return nil, fmt.Errorf("failed to claim next queued job: %w", err)
	}

	return &job, nil
}

// CompleteJob performs the Processing→Completed compare-and-set. The guard on
// the current status is what prevents a late result from overwriting a
// user-issued cancellation.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, result []byte, retryCount int) (bool, error) {
	query := `
		UPDATE segmentation_jobs
		SET status = $1,
		    result = $2,
		    retry_count = $3,
		    completed_at = NOW()
		WHERE job_id = $4
		  AND status = $5
	`

	res, err := s.db.ExecContext(ctx, query, queue.StatusCompleted, result, retryCount, jobID, queue.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete segmentation job: %w", err)
	}

	return rowsAffected(res)
}

// FailJob performs Queued|Processing→Failed with the recorded reason.
func (s *Storage) FailJob(ctx context.Context, jobID string, reason string, retryCount int) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE segmentation_jobs
		SET status = ?,
		    error_message = ?,
		    retry_count = ?,
		    completed_at = NOW()
		WHERE job_id = ?
		  AND status IN (?)
	`, queue.StatusFailed, reason, retryCount, jobID, queue.ActiveStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to build fail query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to fail segmentation job: %w", err)
	}

	return rowsAffected(res)
}

// CancelJob performs Queued|Processing→Cancelled. Terminal rows are untouched.
func (s *Storage) CancelJob(ctx context.Context, jobID string) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE segmentation_jobs
		SET status = ?,
		    completed_at = NOW()
		WHERE job_id = ?
		  AND status IN (?)
	`, queue.StatusCancelled, jobID, queue.ActiveStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to build cancel query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to cancel segmentation job: %w", err)
	}

	return rowsAffected(res)
}

// CancelAllForUser cancels every active job owned by userID and returns the
// transitioned rows. The user_id predicate keeps other users' jobs isolated.
func (s *Storage) CancelAllForUser(ctx context.Context, userID string) ([]queue.SegmentationJob, error) {
	query, args, err := sqlx.In(`
		UPDATE segmentation_jobs
		SET status = ?,
		    completed_at = NOW()
		WHERE user_id = ?
		  AND status IN (?)
		RETURNING `+segmentationJobColumns,
		queue.StatusCancelled, userID, queue.ActiveStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build bulk cancel query: %w", err)
	}

	var jobs []queue.SegmentationJob
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to cancel jobs for user: %w", err)
	}

	s.logger.Info("Bulk cancel executed",
		slog.String("user_id", userID),
		slog.Int("cancelled", len(jobs)),
	)

	return jobs, nil
}

// QueueCounts recomputes the derived snapshot for a project or user scope.
func (s *Storage) QueueCounts(ctx context.Context, projectID, userID string) (*queue.Snapshot, error) {
	query := `SELECT status, COUNT(*) AS count FROM segmentation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if projectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, projectID)
		argIdx++
	}
	if userID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, userID)
	}
	query += " GROUP BY status"

	rows := []struct {
		Status queue.Status `db:"status"`
		Count  int          `db:"count"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to compute queue counts: %w", err)
	}

	snapshot := &queue.Snapshot{ProjectID: projectID, UserID: userID}
	for _, row := range rows {
		switch row.Status {
		case queue.StatusQueued:
			snapshot.Queued = row.Count
		case queue.StatusProcessing:
			snapshot.Processing = row.Count
		case queue.StatusCompleted:
			snapshot.Completed = row.Count
		case queue.StatusFailed:
			snapshot.Failed = row.Count
		}
	}

	entries, err := s.queuePositions(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	snapshot.Entries = entries

	return snapshot, nil
}

// queuePositions ranks all queued jobs by the claim order and returns the
// in-scope rows. The rank is computed over the whole queue, so a position is
// how many claims away the job is, not its rank within the project.
func (s *Storage) queuePositions(ctx context.Context, projectID, userID string) ([]queue.QueueEntry, error) {
	query := `
		SELECT job_id, image_id, position FROM (
			SELECT job_id, image_id, project_id, user_id,
			       ROW_NUMBER() OVER (ORDER BY priority DESC, created_at ASC, job_id ASC) AS position
			FROM segmentation_jobs
			WHERE status = $1
		) ranked
		WHERE 1=1
	`
	args := []interface{}{queue.StatusQueued}
	argIdx := 2

	if projectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, projectID)
		argIdx++
	}
	if userID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, userID)
	}
	query += " ORDER BY position ASC"

	var entries []queue.QueueEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to compute queue positions: %w", err)
	}

	return entries, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
