package export

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/logger"
)

type staticAuth struct {
	allowed map[string]bool
}

func (a staticAuth) CanAccessProject(_ context.Context, userID, projectID string) (bool, error) {
	return a.allowed[userID+"/"+projectID], nil
}

type fakeDispatcher struct {
	dispatched []string
	fail       bool
}

func (d *fakeDispatcher) DispatchExport(_ context.Context, jobID string) error {
	if d.fail {
		return fmt.Errorf("broker unavailable")
	}
	d.dispatched = append(d.dispatched, jobID)
	return nil
}

func newTestService(t *testing.T, store Store, dispatcher Dispatcher, b broadcast.Broadcaster) *Service {
	t.Helper()
	auth := staticAuth{allowed: map[string]bool{
		"user-1/project-1": true,
		"user-2/project-1": true,
	}}
	return NewService(store, auth, dispatcher, b, logger.NewDefault().Logger)
}

func TestService_Start(t *testing.T) {
	store := newMemExportStore()
	dispatcher := &fakeDispatcher{}
	svc := newTestService(t, store, dispatcher, broadcast.NopBroadcaster{})

	job, err := svc.Start(context.Background(), "project-1", "user-1", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, []string{job.ID}, dispatcher.dispatched)

	t.Run("access denied", func(t *testing.T) {
		_, err := svc.Start(context.Background(), "project-1", "stranger", DefaultOptions())
		assert.ErrorIs(t, err, ErrAccessDenied)
	})
}

func TestService_StartDispatchFailureFailsJob(t *testing.T) {
	store := newMemExportStore()
	svc := newTestService(t, store, &fakeDispatcher{fail: true}, broadcast.NopBroadcaster{})

	_, err := svc.Start(context.Background(), "project-1", "user-1", DefaultOptions())
	require.Error(t, err)

	// The orphaned row must not sit Pending forever.
	for _, job := range store.jobs {
		assert.Equal(t, StatusFailed, job.Status)
	}
}

func TestService_CancelPendingEmitsOutcome(t *testing.T) {
	store := newMemExportStore()
	events := &recordingBroadcaster{}
	svc := newTestService(t, store, &fakeDispatcher{}, events)

	job, err := svc.Start(context.Background(), "project-1", "user-1", DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), job.ID, "user-1"))
	assert.True(t, events.has(broadcast.KindExportCancelled))

	// Cancelling again is a no-op, not an error.
	require.NoError(t, svc.Cancel(context.Background(), job.ID, "user-1"))
}

func TestService_DownloadPathGating(t *testing.T) {
	store := newMemExportStore()
	svc := newTestService(t, store, &fakeDispatcher{}, broadcast.NopBroadcaster{})
	ctx := context.Background()

	job := &ExportJob{
		ID: "export-1", ProjectID: "project-1", UserID: "user-1",
		Status: StatusPending, Options: DefaultOptions(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateExport(ctx, job))

	// Pending: no download.
	_, _, err := svc.DownloadPath(ctx, job.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotAvailable)

	// Processing: still no download.
	_, err = store.ClaimExport(ctx, job.ID)
	require.NoError(t, err)
	_, _, err = svc.DownloadPath(ctx, job.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotAvailable)

	// Completed: path is served, shared members included.
	_, err = store.CompleteExport(ctx, job.ID, "/exports/export-1.zip")
	require.NoError(t, err)

	path, name, err := svc.DownloadPath(ctx, job.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "/exports/export-1.zip", path)
	assert.Equal(t, "export-1.zip", name)

	_, _, err = svc.DownloadPath(ctx, job.ID, "user-2")
	assert.NoError(t, err)

	_, _, err = svc.DownloadPath(ctx, job.ID, "stranger")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestService_DownloadPathCancelledNeverServes(t *testing.T) {
	store := newMemExportStore()
	svc := newTestService(t, store, &fakeDispatcher{}, broadcast.NopBroadcaster{})
	ctx := context.Background()

	job := &ExportJob{
		ID: "export-2", ProjectID: "project-1", UserID: "user-1",
		Status: StatusPending, Options: DefaultOptions(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateExport(ctx, job))
	_, err := store.CancelExport(ctx, job.ID)
	require.NoError(t, err)

	// Even if an artifact file transiently exists on disk, a cancelled job
	// exposes nothing.
	_, _, err = svc.DownloadPath(ctx, job.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotAvailable)
}
