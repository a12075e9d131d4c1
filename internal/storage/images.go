package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrImageNotFound is returned when an image id has no stored row.
var ErrImageNotFound = errors.New("image not found")

// ImagePath resolves an image id to its stored byte path.
func (s *Storage) ImagePath(ctx context.Context, imageID string) (string, error) {
	var path string
	query := `SELECT file_path FROM images WHERE image_id = $1`

	err := s.db.GetContext(ctx, &path, query, imageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrImageNotFound
		}
		return "", fmt.Errorf("failed to resolve image path: %w", err)
	}

	return path, nil
}
