package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

const orchestrationColumns = `workspace_id, running, desired, last_updated`

func scanWorkspace(sc rowScanner) (*models.WorkspaceOrchestration, error) {
	var w models.WorkspaceOrchestration
	err := sc.Scan(&w.WorkspaceID, &w.Running, &w.Desired, &w.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetDesired upserts a workspace's desired agent count. The operator's
// write path; the orchestrator loop never touches desired.
func (s *Store) SetDesired(ctx context.Context, workspaceID string, desired int, now time.Time) (*models.WorkspaceOrchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO orchestration (workspace_id, running, desired, last_updated)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (workspace_id)
		DO UPDATE SET desired = $2, last_updated = $3
		RETURNING `+orchestrationColumns,
		workspaceID, desired, now)
	return scanWorkspace(row)
}

// SetRunning records the observed running count for a workspace. Only
// the workspace's orchestrator loop calls this.
func (s *Store) SetRunning(ctx context.Context, workspaceID string, running int, now time.Time) (*models.WorkspaceOrchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orchestration SET running = $2, last_updated = $3
		WHERE workspace_id = $1
		RETURNING `+orchestrationColumns,
		workspaceID, running, now)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// GetWorkspace fetches one orchestration row. Returns ErrNotFound when
// absent.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*models.WorkspaceOrchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orchestrationColumns+` FROM orchestration
		WHERE workspace_id = $1`, workspaceID)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWorkspaces returns all orchestration rows ordered by workspace id.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*models.WorkspaceOrchestration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orchestrationColumns+` FROM orchestration
		ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*models.WorkspaceOrchestration
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// PurgeIdleWorkspaces deletes orchestration rows that want nothing, run
// nothing, and have not been touched since the cutoff.
func (s *Store) PurgeIdleWorkspaces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM orchestration
		WHERE running = 0 AND desired = 0 AND last_updated < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idle workspaces: %w", err)
	}
	return res.RowsAffected()
}
