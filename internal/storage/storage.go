package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/postgresql"
)

// Storage handles all database operations for the API and worker services.
// It implements queue.Store, export.Store, export.ProjectReader and the
// ownership interfaces.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Storage over an established PostgreSQL client.
func New(pg *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// schema is applied idempotently at service start.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id  TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS project_shares (
	project_id  TEXT NOT NULL REFERENCES projects(project_id),
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS images (
	image_id    TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(project_id),
	name        TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS segmentation_jobs (
	job_id        TEXT PRIMARY KEY,
	image_id      TEXT NOT NULL,
	project_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	model         TEXT NOT NULL,
	threshold     DOUBLE PRECISION NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	result        JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_segmentation_jobs_dequeue
	ON segmentation_jobs (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_segmentation_jobs_user
	ON segmentation_jobs (user_id, status);
CREATE INDEX IF NOT EXISTS idx_segmentation_jobs_project
	ON segmentation_jobs (project_id, status);

CREATE TABLE IF NOT EXISTS export_jobs (
	job_id        TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	phase         TEXT NOT NULL DEFAULT '',
	progress      INTEGER NOT NULL DEFAULT 0,
	options       JSONB NOT NULL,
	file_path     TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
