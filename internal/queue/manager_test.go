package queue

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/logger"
)

// fakeStore is an in-memory Store with the same compare-and-set semantics as
// the PostgreSQL implementation.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*SegmentationJob
	seq         int
	ord         map[string]int
	cancelCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: make(map[string]*SegmentationJob),
		ord:  make(map[string]int),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job *SegmentationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *job
	s.jobs[job.ID] = &cloned
	s.seq++
	s.ord[job.ID] = s.seq
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*SegmentationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cloned := *job
	return &cloned, nil
}

func (s *fakeStore) ClaimNextQueued(_ context.Context) (*SegmentationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*SegmentationJob
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoQueuedJobs
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return s.ord[candidates[i].ID] < s.ord[candidates[j].ID]
	})

	claimed := candidates[0]
	claimed.Status = StatusProcessing
	cloned := *claimed
	return &cloned, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, jobID string, result []byte, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		return false, nil
	}
	job.Status = StatusCompleted
	job.RetryCount = retryCount
	return true, nil
}

func (s *fakeStore) FailJob(_ context.Context, jobID, reason string, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = StatusFailed
	job.ErrorMessage = reason
	job.RetryCount = retryCount
	return true, nil
}

func (s *fakeStore) CancelJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = StatusCancelled
	return true, nil
}

func (s *fakeStore) CancelAllForUser(_ context.Context, userID string) ([]SegmentationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []SegmentationJob
	for _, job := range s.jobs {
		if job.UserID == userID && !job.Status.Terminal() {
			job.Status = StatusCancelled
			cancelled = append(cancelled, *job)
		}
	}
	return cancelled, nil
}

func (s *fakeStore) QueueCounts(_ context.Context, projectID, userID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inScope := func(job *SegmentationJob) bool {
		if projectID != "" && job.ProjectID != projectID {
			return false
		}
		if userID != "" && job.UserID != userID {
			return false
		}
		return true
	}

	snapshot := &Snapshot{ProjectID: projectID, UserID: userID}
	var queued []*SegmentationJob
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			queued = append(queued, job)
		}
		if !inScope(job) {
			continue
		}
		switch job.Status {
		case StatusQueued:
			snapshot.Queued++
		case StatusProcessing:
			snapshot.Processing++
		case StatusCompleted:
			snapshot.Completed++
		case StatusFailed:
			snapshot.Failed++
		}
	}

	// Positions rank the whole queue in claim order; only in-scope rows are
	// reported, mirroring the window-function query in the real store.
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return s.ord[queued[i].ID] < s.ord[queued[j].ID]
	})
	for i, job := range queued {
		if inScope(job) {
			snapshot.Entries = append(snapshot.Entries, QueueEntry{
				JobID:    job.ID,
				ImageID:  job.ImageID,
				Position: i + 1,
			})
		}
	}

	return snapshot, nil
}

type fakeAuth struct {
	allowed map[string]bool
}

func (a *fakeAuth) CanAccessProject(_ context.Context, userID, projectID string) (bool, error) {
	return a.allowed[userID+"/"+projectID], nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	auth := &fakeAuth{allowed: map[string]bool{
		"user-1/project-1": true,
		"user-2/project-1": true,
		"user-2/project-2": true,
	}}
	m := NewManager(store, auth, broadcast.NopBroadcaster{}, []string{"hrnet", "cbam_resunet", "unet"}, logger.NewDefault().Logger)
	return m, store
}

func enqueue(t *testing.T, m *Manager, imageID, userID string, priority int) *SegmentationJob {
	t.Helper()
	job, err := m.Enqueue(context.Background(), EnqueueRequest{
		ImageID:   imageID,
		ProjectID: "project-1",
		UserID:    userID,
		Priority:  priority,
		Model:     "hrnet",
		Threshold: 0.5,
	})
	require.NoError(t, err)
	return job
}

func TestManager_Enqueue(t *testing.T) {
	m, _ := newTestManager(t)

	job := enqueue(t, m, "image-1", "user-1", 0)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusQueued, job.Status)

	t.Run("unknown model", func(t *testing.T) {
		_, err := m.Enqueue(context.Background(), EnqueueRequest{
			ImageID: "image-1", ProjectID: "project-1", UserID: "user-1",
			Model: "resnet", Threshold: 0.5,
		})
		assert.ErrorIs(t, err, ErrUnknownModel)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		_, err := m.Enqueue(context.Background(), EnqueueRequest{
			ImageID: "image-1", ProjectID: "project-1", UserID: "user-1",
			Model: "hrnet", Threshold: 1.5,
		})
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	})

	t.Run("no project access", func(t *testing.T) {
		_, err := m.Enqueue(context.Background(), EnqueueRequest{
			ImageID: "image-1", ProjectID: "project-1", UserID: "stranger",
			Model: "hrnet", Threshold: 0.5,
		})
		assert.ErrorIs(t, err, ErrAccessDenied)
	})
}

func TestManager_DequeueOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	low1 := enqueue(t, m, "image-1", "user-1", 0)
	high := enqueue(t, m, "image-2", "user-1", 5)
	low2 := enqueue(t, m, "image-3", "user-1", 0)

	// Highest priority first, then FIFO within a tier.
	first, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, StatusProcessing, first.Status)

	second, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, low1.ID, second.ID)

	third, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, low2.ID, third.ID)

	_, err = m.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrNoQueuedJobs)
}

func TestManager_CancelBeatsLateResult(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	job := enqueue(t, m, "image-1", "user-1", 0)

	claimed, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	// User cancels while the forward pass is in flight.
	require.NoError(t, m.Cancel(ctx, job.ID, "user-1"))

	// The late result must be discarded, not resurrect the job.
	require.NoError(t, m.CommitResult(ctx, claimed, []byte(`[]`), 0))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestManager_CancelTerminalIsNoOp(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	job := enqueue(t, m, "image-1", "user-1", 0)
	claimed, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.CommitResult(ctx, claimed, []byte(`[]`), 0))

	// Cancel after completion succeeds without changing the status. The
	// state machine rejects the transition before any write is attempted.
	require.NoError(t, m.Cancel(ctx, job.ID, "user-1"))
	assert.Zero(t, store.cancelCalls)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestManager_CancelRequiresAccess(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job := enqueue(t, m, "image-1", "user-1", 0)

	err := m.Cancel(ctx, job.ID, "stranger")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// A shared-project member may cancel the owner's job.
	assert.NoError(t, m.Cancel(ctx, job.ID, "user-2"))
}

func TestManager_CancelAllForUser(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	enqueue(t, m, "image-1", "user-1", 0)
	enqueue(t, m, "image-2", "user-1", 0)
	other, err := m.Enqueue(ctx, EnqueueRequest{
		ImageID: "image-3", ProjectID: "project-2", UserID: "user-2",
		Model: "unet", Threshold: 0.4,
	})
	require.NoError(t, err)

	summary, err := m.CancelAllForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CancelledCount)
	assert.Equal(t, []string{"project-1"}, summary.AffectedProjects)

	// Other users' jobs are untouched.
	stored, err := store.GetJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
}

func TestManager_Snapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	enqueue(t, m, "image-1", "user-1", 0)
	enqueue(t, m, "image-2", "user-1", 0)
	claimed, err := m.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, claimed, "boom", 0))

	snapshot, err := m.Snapshot(ctx, "project-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Queued)
	assert.Equal(t, 0, snapshot.Processing)
	assert.Equal(t, 1, snapshot.Failed)
}

func TestManager_SnapshotQueuePositions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	low := enqueue(t, m, "image-1", "user-1", 0)
	high := enqueue(t, m, "image-2", "user-1", 5)

	snapshot, err := m.Snapshot(ctx, "project-1", "")
	require.NoError(t, err)
	require.Len(t, snapshot.Entries, 2)

	// The high-priority job is next in line despite being enqueued later.
	assert.Equal(t, high.ID, snapshot.Entries[0].JobID)
	assert.Equal(t, 1, snapshot.Entries[0].Position)
	assert.Equal(t, low.ID, snapshot.Entries[1].JobID)
	assert.Equal(t, 2, snapshot.Entries[1].Position)

	// Claiming the head shifts everyone up.
	_, err = m.DequeueNext(ctx)
	require.NoError(t, err)

	snapshot, err = m.Snapshot(ctx, "project-1", "")
	require.NoError(t, err)
	require.Len(t, snapshot.Entries, 1)
	assert.Equal(t, low.ID, snapshot.Entries[0].JobID)
	assert.Equal(t, 1, snapshot.Entries[0].Position)
}
