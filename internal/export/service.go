package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
)

// ErrAccessDenied is returned when a user has no access to the export's project.
var ErrAccessDenied = errors.New("access to export denied")

// Authorizer checks project-level access for export operations.
type Authorizer interface {
	CanAccessProject(ctx context.Context, userID, projectID string) (bool, error)
}

// Dispatcher hands a created export job to the worker side.
type Dispatcher interface {
	DispatchExport(ctx context.Context, jobID string) error
}

// Service is the API-side export surface: it creates, inspects and cancels
// jobs, and gates artifact downloads on the Completed status.
type Service struct {
	store       Store
	auth        Authorizer
	dispatcher  Dispatcher
	broadcaster broadcast.Broadcaster
	logger      *slog.Logger
}

// NewService creates an export service.
func NewService(store Store, auth Authorizer, dispatcher Dispatcher, b broadcast.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		auth:        auth,
		dispatcher:  dispatcher,
		broadcaster: b,
		logger:      logger,
	}
}

// Start validates access, persists a Pending job and dispatches it.
func (s *Service) Start(ctx context.Context, projectID, userID string, opts Options) (*ExportJob, error) {
	ok, err := s.auth.CanAccessProject(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("ownership check failed: %w", err)
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	job := &ExportJob{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		UserID:    userID,
		Status:    StatusPending,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateExport(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create export: %w", err)
	}

	if err := s.dispatcher.DispatchExport(ctx, job.ID); err != nil {
		// Undeliverable jobs would sit Pending forever, so fail them here.
		if _, ferr := s.store.FailExport(ctx, job.ID, "dispatch failed"); ferr != nil {
			s.logger.Error("Failed to mark undispatched export failed",
				slog.String("job_id", job.ID),
				slog.Any("error", ferr),
			)
		}
		return nil, fmt.Errorf("failed to dispatch export: %w", err)
	}

	s.logger.Info("Export job created",
		slog.String("job_id", job.ID),
		slog.String("project_id", projectID),
		slog.String("user_id", userID),
	)

	return job, nil
}

// Get returns the export job after an access check.
func (s *Service) Get(ctx context.Context, jobID, userID string) (*ExportJob, error) {
	job, err := s.store.GetExport(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, job, userID); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel performs the Pending|Processing→Cancelled transition. Terminal jobs
// are left untouched and the call is a no-op. A running job is interrupted by
// the worker within its cancellation poll window.
func (s *Service) Cancel(ctx context.Context, jobID, userID string) error {
	job, err := s.store.GetExport(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, job, userID); err != nil {
		return err
	}

	wasPending := job.Status == StatusPending

	transitioned, err := s.store.CancelExport(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel export: %w", err)
	}
	if !transitioned {
		s.logger.Debug("Export cancel was a no-op, job already terminal",
			slog.String("job_id", jobID),
		)
		return nil
	}

	s.logger.Info("Export job cancelled",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	// A Processing job's worker notices the transition and emits the event
	// after cleanup. A Pending job has no worker, so announce it here.
	if wasPending {
		s.broadcaster.EmitToUser(ctx, job.UserID, broadcast.NewEvent(
			broadcast.KindExportCancelled,
			broadcast.ExportOutcomePayload{
				JobID:     job.ID,
				ProjectID: job.ProjectID,
				UserID:    job.UserID,
			},
		))
	}

	return nil
}

// DownloadPath returns the artifact path and suggested file name if and only
// if the job is Completed. Every other status yields ErrNotAvailable, even
// when an artifact file transiently exists on disk.
func (s *Service) DownloadPath(ctx context.Context, jobID, userID string) (string, string, error) {
	job, err := s.store.GetExport(ctx, jobID)
	if err != nil {
		return "", "", err
	}
	if err := s.authorize(ctx, job, userID); err != nil {
		return "", "", err
	}

	if job.Status != StatusCompleted || job.FilePath == "" {
		return "", "", ErrNotAvailable
	}

	return job.FilePath, filepath.Base(job.FilePath), nil
}

func (s *Service) authorize(ctx context.Context, job *ExportJob, userID string) error {
	if job.UserID == userID {
		return nil
	}

	ok, err := s.auth.CanAccessProject(ctx, userID, job.ProjectID)
	if err != nil {
		return fmt.Errorf("ownership check failed: %w", err)
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}
