package broadcast

import "time"

// EventKind is the closed enumeration of push-channel events. Publishers and
// subscribers share this list; an ad-hoc string kind is never emitted.
type EventKind string

const (
	KindQueueStatsUpdate         EventKind = "queue-stats-update"
	KindSegmentationStatusUpdate EventKind = "segmentation-status-update"
	KindExportProgress           EventKind = "export-progress"
	KindExportCompleted          EventKind = "export-completed"
	KindExportCancelled          EventKind = "export-cancelled"
	KindExportFailed             EventKind = "export-failed"
)

// Event is the envelope published on the push channel. Payload is one of the
// fixed payload structs below, selected by Kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	EmittedAt time.Time `json:"emitted_at"`
	Payload   any       `json:"payload"`
}

// QueueStatsPayload carries derived queue counts for a project.
type QueueStatsPayload struct {
	ProjectID  string `json:"project_id"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// SegmentationStatusPayload announces a segmentation job status transition.
type SegmentationStatusPayload struct {
	JobID     string `json:"job_id"`
	ImageID   string `json:"image_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ExportProgressPayload reports aggregated export progress.
type ExportProgressPayload struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Phase     string `json:"phase"`
	Progress  int    `json:"progress"`
}

// ExportOutcomePayload announces a terminal export transition. FileName is
// only set for completed exports; clients still fetch the artifact through
// the download endpoint, which re-checks status.
type ExportOutcomePayload struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	FileName  string `json:"file_name,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewEvent builds an envelope with the emission timestamp set.
func NewEvent(kind EventKind, payload any) Event {
	return Event{
		Kind:      kind,
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}
}
