package storage

import (
	"context"
	"fmt"
)

// CanAccessProject reports whether userID owns the project or holds an
// accepted share on it.
func (s *Storage) CanAccessProject(ctx context.Context, userID, projectID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM projects
			WHERE project_id = $1 AND owner_id = $2
			UNION ALL
			SELECT 1 FROM project_shares
			WHERE project_id = $1 AND user_id = $2 AND status = 'accepted'
		)
	`

	var ok bool
	if err := s.db.GetContext(ctx, &ok, query, projectID, userID); err != nil {
		return false, fmt.Errorf("failed to check project access: %w", err)
	}

	return ok, nil
}

// ProjectMembers returns the owner plus every user with an accepted share.
// Used for broadcast fan-out.
func (s *Storage) ProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	query := `
		SELECT owner_id AS user_id FROM projects WHERE project_id = $1
		UNION
		SELECT user_id FROM project_shares
		WHERE project_id = $1 AND status = 'accepted'
	`

	var users []string
	if err := s.db.SelectContext(ctx, &users, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list project members: %w", err)
	}

	return users, nil
}
