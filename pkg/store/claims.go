package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

const claimColumns = `project_number, issue_number, claimed_by_agent_id, claimed_at`

func scanClaim(sc rowScanner) (*models.ProjectClaim, error) {
	var c models.ProjectClaim
	err := sc.Scan(&c.ProjectNumber, &c.IssueNumber, &c.ClaimedByAgentID, &c.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertClaim asserts ownership of a work unit. The primary key on
// (project_number, issue_number) arbitrates races: the loser gets a
// UniqueViolationError and must read the existing claim to find the
// winner.
func (s *Store) InsertClaim(ctx context.Context, c *models.ProjectClaim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_claims (project_number, issue_number,
			claimed_by_agent_id, claimed_at)
		VALUES ($1, $2, $3, $4)`,
		c.ProjectNumber, c.IssueNumber, c.ClaimedByAgentID, c.ClaimedAt)
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return uv
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

// GetClaim fetches the claim on a work unit. Returns ErrNotFound when
// the unit is unclaimed.
func (s *Store) GetClaim(ctx context.Context, projectNumber, issueNumber int) (*models.ProjectClaim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM project_claims
		WHERE project_number = $1 AND issue_number = $2`,
		projectNumber, issueNumber)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DeleteClaim releases a work unit. Idempotent: deleting an absent
// claim succeeds.
func (s *Store) DeleteClaim(ctx context.Context, projectNumber, issueNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_claims
		WHERE project_number = $1 AND issue_number = $2`,
		projectNumber, issueNumber)
	if err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	return nil
}

// ListClaims returns claims matching the filters, oldest first.
func (s *Store) ListClaims(ctx context.Context, f models.ClaimFilters) ([]*models.ProjectClaim, error) {
	var (
		cond string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectNumber > 0 {
		cond += " AND project_number = " + arg(f.ProjectNumber)
	}
	if f.AgentID != "" {
		cond += " AND claimed_by_agent_id = " + arg(f.AgentID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM project_claims
		WHERE true`+cond+`
		ORDER BY claimed_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.ProjectClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// PurgeOldClaims deletes claims older than the cutoff. Housekeeping
// only: a claim this old belongs to an agent that never finished.
func (s *Store) PurgeOldClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_claims WHERE claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge claims: %w", err)
	}
	return res.RowsAffected()
}
