package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

const exportJobColumns = `
	job_id, project_id, user_id, status, phase, progress, options,
	file_path, error_message, created_at, started_at, completed_at, cancelled_at
`

// CreateExport inserts a new export job row.
func (s *Storage) CreateExport(ctx context.Context, job *export.ExportJob) error {
	query := `
		INSERT INTO export_jobs (
			job_id, project_id, user_id, status, phase, progress,
			options, file_path, error_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.ProjectID,
		job.UserID,
		job.Status,
		job.Phase,
		job.Progress,
		job.Options,
		job.FilePath,
		job.Error,
		job.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create export job: %w", err)
	}

	return nil
}

// GetExport retrieves an export job by id.
func (s *Storage) GetExport(ctx context.Context, jobID string) (*export.ExportJob, error) {
	var job export.ExportJob
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, export.ErrExportNotFound
		}
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}

	return &job, nil
}

// ClaimExport performs the Pending→Processing compare-and-set.
func (s *Storage) ClaimExport(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $1,
		    started_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, export.StatusProcessing, jobID, export.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim export job: %w", err)
	}

	return rowsAffected(res)
}

// UpdateProgress records the current phase and aggregated progress. The
// status guard stops progress writes once the job is terminal, and GREATEST
// keeps the persisted value monotonic even if updates land out of order.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, phase export.Phase, progress int) (bool, error) {
	query := `
		UPDATE export_jobs
		SET phase = $1,
		    progress = GREATEST(progress, $2)
		WHERE job_id = $3
		  AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, phase, progress, jobID, export.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to update export progress: %w", err)
	}

	return rowsAffected(res)
}

// CompleteExport performs Processing→Completed and records the artifact path.
// The guard is what keeps a cancelled export from ever exposing a download.
func (s *Storage) CompleteExport(ctx context.Context, jobID, filePath string) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $1,
		    file_path = $2,
		    progress = 100,
		    completed_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, export.StatusCompleted, filePath, jobID, export.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete export job: %w", err)
	}

	return rowsAffected(res)
}

// FailExport performs Pending|Processing→Failed.
func (s *Storage) FailExport(ctx context.Context, jobID, reason string) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query,
		export.StatusFailed, reason, jobID,
		export.StatusPending, export.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail export job: %w", err)
	}

	return rowsAffected(res)
}

// CancelExport performs Pending|Processing→Cancelled and stamps cancelledAt.
func (s *Storage) CancelExport(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $1,
		    cancelled_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
	`

	res, err := s.db.ExecContext(ctx, query,
		export.StatusCancelled, jobID,
		export.StatusPending, export.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel export job: %w", err)
	}

	return rowsAffected(res)
}

// ProjectImages lists the stored images of a project.
func (s *Storage) ProjectImages(ctx context.Context, projectID string) ([]export.ImageRef, error) {
	query := `
		SELECT image_id, name, file_path
		FROM images
		WHERE project_id = $1
		ORDER BY name ASC
	`

	var images []export.ImageRef
	if err := s.db.SelectContext(ctx, &images, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list project images: %w", err)
	}

	return images, nil
}

// CompletedResults returns the committed polygon data for a project. Only
// Completed jobs contribute; a result row written by a job that was later
// superseded is shadowed by the newest completion per image.
func (s *Storage) CompletedResults(ctx context.Context, projectID string) ([]export.SegmentationResult, error) {
	query := `
		SELECT DISTINCT ON (image_id) image_id, result
		FROM segmentation_jobs
		WHERE project_id = $1
		  AND status = $2
		  AND result IS NOT NULL
		ORDER BY image_id, completed_at DESC
	`

	var results []export.SegmentationResult
	if err := s.db.SelectContext(ctx, &results, query, projectID, queue.StatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to list completed results: %w", err)
	}

	return results, nil
}
