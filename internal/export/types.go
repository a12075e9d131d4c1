package export

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of an export job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase identifies one export pipeline phase.
type Phase string

const (
	PhaseCopyOriginals        Phase = "copy-originals"
	PhaseRenderVisualizations Phase = "render-visualizations"
	PhaseEmitAnnotations      Phase = "emit-annotations"
	PhaseComputeMetrics       Phase = "compute-metrics"
	PhaseWriteDocumentation   Phase = "write-documentation"

	// PhaseArchive is the final packaging step. It carries no progress
	// weight; the job jumps to 100 when the archive lands.
	PhaseArchive Phase = "archive"
)

// Options selects which export phases run.
type Options struct {
	IncludeOriginals      bool `json:"include_originals"`
	IncludeVisualizations bool `json:"include_visualizations"`
	IncludeAnnotations    bool `json:"include_annotations"`
	IncludeMetrics        bool `json:"include_metrics"`
	IncludeDocumentation  bool `json:"include_documentation"`
}

// DefaultOptions enables every phase.
func DefaultOptions() Options {
	return Options{
		IncludeOriginals:      true,
		IncludeVisualizations: true,
		IncludeAnnotations:    true,
		IncludeMetrics:        true,
		IncludeDocumentation:  true,
	}
}

// EnabledPhases returns the phases selected by the options, in pipeline order.
func (o Options) EnabledPhases() []Phase {
	var phases []Phase
	if o.IncludeOriginals {
		phases = append(phases, PhaseCopyOriginals)
	}
	if o.IncludeVisualizations {
		phases = append(phases, PhaseRenderVisualizations)
	}
	if o.IncludeAnnotations {
		phases = append(phases, PhaseEmitAnnotations)
	}
	if o.IncludeMetrics {
		phases = append(phases, PhaseComputeMetrics)
	}
	if o.IncludeDocumentation {
		phases = append(phases, PhaseWriteDocumentation)
	}
	return phases
}

// Value implements driver.Valuer so Options round-trips through a jsonb column.
func (o Options) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner.
func (o *Options) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	case nil:
		*o = Options{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into export.Options", src)
	}
}

// ExportJob represents one export request. Progress is monotonically
// non-decreasing while Processing and meaningless once a terminal status is
// set. FilePath is populated if and only if the job completed.
type ExportJob struct {
	ID          string     `db:"job_id" json:"job_id"`
	ProjectID   string     `db:"project_id" json:"project_id"`
	UserID      string     `db:"user_id" json:"user_id"`
	Status      Status     `db:"status" json:"status"`
	Phase       string     `db:"phase" json:"phase,omitempty"`
	Progress    int        `db:"progress" json:"progress"`
	Options     Options    `db:"options" json:"options"`
	FilePath    string     `db:"file_path" json:"-"`
	Error       string     `db:"error_message" json:"error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

var (
	// ErrExportNotFound is returned when an export job does not exist.
	ErrExportNotFound = errors.New("export job not found")

	// ErrNotAvailable is returned by download-path lookups for any job that
	// is not Completed. A cancelled job must never expose a path, even if
	// the underlying file transiently exists.
	ErrNotAvailable = errors.New("export download not available")
)
