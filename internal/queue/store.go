package queue

import (
	"context"
	"errors"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrNoQueuedJobs is returned by ClaimNextQueued when the queue is empty
	ErrNoQueuedJobs = errors.New("no queued jobs")
)

// Store is the persistence surface the queue manager drives. Every status
// write is a compare-and-set: the bool result reports whether the guarded
// transition actually happened, and a false result with a nil error means
// another writer got there first (the job is already terminal or claimed).
type Store interface {
	CreateJob(ctx context.Context, job *SegmentationJob) error
	GetJob(ctx context.Context, jobID string) (*SegmentationJob, error)

	// ClaimNextQueued selects the highest-priority Queued job, ties broken
	// by earliest creation time, and atomically moves it to Processing.
	ClaimNextQueued(ctx context.Context) (*SegmentationJob, error)

	// CompleteJob performs Processing→Completed, storing the polygon result.
	CompleteJob(ctx context.Context, jobID string, result []byte, retryCount int) (bool, error)

	// FailJob performs Queued|Processing→Failed with the recorded reason.
	FailJob(ctx context.Context, jobID string, reason string, retryCount int) (bool, error)

	// CancelJob performs Queued|Processing→Cancelled.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	// CancelAllForUser cancels every Queued|Processing job owned by userID
	// and returns the jobs that were actually transitioned.
	CancelAllForUser(ctx context.Context, userID string) ([]SegmentationJob, error)

	// QueueCounts recomputes the snapshot for a project or user scope.
	// Exactly one of projectID/userID is expected to be non-empty.
	QueueCounts(ctx context.Context, projectID, userID string) (*Snapshot, error)
}

// Authorizer answers ownership questions. Authentication itself is an
// external concern; the queue only needs a yes/no per project.
type Authorizer interface {
	CanAccessProject(ctx context.Context, userID, projectID string) (bool, error)
}
