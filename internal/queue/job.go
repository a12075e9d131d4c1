package queue

import (
	"time"
)

// SegmentationJob represents one queued segmentation request. The status
// field is the single authoritative lifecycle state and is only ever
// mutated through compare-and-set transitions in the store.
type SegmentationJob struct {
	ID           string     `db:"job_id"`
	ImageID      string     `db:"image_id"`
	ProjectID    string     `db:"project_id"`
	UserID       string     `db:"user_id"`
	Status       Status     `db:"status"`
	Priority     int        `db:"priority"`
	Model        string     `db:"model"`
	Threshold    float64    `db:"threshold"`
	RetryCount   int        `db:"retry_count"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// Snapshot is a derived, read-only aggregate of queue counts scoped to a
// project or a user. It is recomputed on demand and never persisted.
type Snapshot struct {
	ProjectID  string       `json:"project_id,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
	Queued     int          `json:"queued"`
	Processing int          `json:"processing"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Entries    []QueueEntry `json:"entries,omitempty"`
}

// QueueEntry reports one queued job's position in the global dequeue order.
// Position 1 is the next job any worker will claim.
type QueueEntry struct {
	JobID    string `db:"job_id" json:"job_id"`
	ImageID  string `db:"image_id" json:"image_id"`
	Position int    `db:"position" json:"position"`
}

// CancelSummary reports the outcome of a bulk cancellation.
type CancelSummary struct {
	CancelledCount   int      `json:"cancelled_count"`
	AffectedProjects []string `json:"affected_projects"`
}
