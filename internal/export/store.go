package export

import "context"

// Store is the persistence surface for export jobs. As with segmentation
// jobs, every status write is a compare-and-set; a false result means the
// guarded transition lost to another writer.
type Store interface {
	CreateExport(ctx context.Context, job *ExportJob) error
	GetExport(ctx context.Context, jobID string) (*ExportJob, error)

	// ClaimExport performs Pending→Processing.
	ClaimExport(ctx context.Context, jobID string) (bool, error)

	// UpdateProgress records (phase, progress) only while the job is still
	// Processing, and never lets the stored progress decrease.
	UpdateProgress(ctx context.Context, jobID string, phase Phase, progress int) (bool, error)

	// CompleteExport performs Processing→Completed and sets the artifact path.
	CompleteExport(ctx context.Context, jobID, filePath string) (bool, error)

	// FailExport performs Pending|Processing→Failed.
	FailExport(ctx context.Context, jobID, reason string) (bool, error)

	// CancelExport performs Pending|Processing→Cancelled and stamps cancelledAt.
	CancelExport(ctx context.Context, jobID string) (bool, error)
}

// ImageRef identifies one project image with its stored byte path.
type ImageRef struct {
	ImageID  string `db:"image_id"`
	Name     string `db:"name"`
	FilePath string `db:"file_path"`
}

// SegmentationResult pairs an image with its committed polygon data.
type SegmentationResult struct {
	ImageID  string `db:"image_id"`
	Polygons []byte `db:"result"`
}

// ProjectReader supplies the project content an export packages up.
type ProjectReader interface {
	ProjectImages(ctx context.Context, projectID string) ([]ImageRef, error)
	CompletedResults(ctx context.Context, projectID string) ([]SegmentationResult, error)
}
