package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

const reviewColumns = `review_id, project_number, issue_number, branch_name,
	completed_by_agent_id, status, enqueued_at, claimed_at, completed_at, feedback`

func scanReview(sc rowScanner) (*models.ReviewItem, error) {
	var (
		r           models.ReviewItem
		claimedAt   sql.NullTime
		completedAt sql.NullTime
		feedback    sql.NullString
	)
	err := sc.Scan(&r.ReviewID, &r.ProjectNumber, &r.IssueNumber, &r.BranchName,
		&r.CompletedByAgentID, &r.Status, &r.EnqueuedAt, &claimedAt,
		&completedAt, &feedback)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		r.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if feedback.Valid {
		r.Feedback = &feedback.String
	}
	return &r, nil
}

// InsertReview enqueues a review item. The partial unique index on open
// (project_number, issue_number) pairs rejects a second open review for
// the same work unit with a UniqueViolationError; the caller then reads
// and returns the winner.
func (s *Store) InsertReview(ctx context.Context, r *models.ReviewItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (review_id, project_number, issue_number,
			branch_name, completed_by_agent_id, status, enqueued_at,
			claimed_at, completed_at, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ReviewID, r.ProjectNumber, r.IssueNumber, r.BranchName,
		r.CompletedByAgentID, r.Status, r.EnqueuedAt, r.ClaimedAt,
		r.CompletedAt, r.Feedback)
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return uv
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// GetReview fetches one review by id. Returns ErrNotFound when absent.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE review_id = $1`, reviewID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetOpenReview fetches the open (pending or in_review) review for a
// work unit, if any. Returns ErrNotFound when none exists.
func (s *Store) GetOpenReview(ctx context.Context, projectNumber, issueNumber int) (*models.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE project_number = $1 AND issue_number = $2
		  AND status IN ('pending', 'in_review')`,
		projectNumber, issueNumber)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListReviews returns reviews matching the filters, sorted by
// enqueued_at ascending: the queue order.
func (s *Store) ListReviews(ctx context.Context, f models.ReviewFilters) ([]*models.ReviewItem, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		statuses := strings.Split(f.Status, ",")
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.ProjectNumber > 0 {
		where = append(where, "project_number = "+arg(f.ProjectNumber))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + reviewColumns + " FROM reviews" + cond +
		" ORDER BY enqueued_at LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*models.ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// ClaimReview compare-and-sets a review to in_review. The predicate
// accepts pending reviews and in_review ones whose claim has timed out,
// so an abandoned claim can be taken over without operator action.
// Returns (nil, nil) when the review is already validly claimed, done,
// or absent.
func (s *Store) ClaimReview(ctx context.Context, reviewID string, now, timeoutCutoff time.Time) (*models.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE reviews
		SET status = 'in_review', claimed_at = $2
		WHERE review_id = $1
		  AND (status = 'pending'
		       OR (status = 'in_review' AND claimed_at < $3))
		RETURNING `+reviewColumns,
		reviewID, now, timeoutCutoff)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// UpdateReviewStatus moves an in_review item to a verdict or back to
// in-flight states. Approved and rejected stamp completed_at. Returns
// (nil, nil) when the review is not in_review.
func (s *Store) UpdateReviewStatus(ctx context.Context, reviewID string, to models.ReviewStatus, feedback *string, now time.Time) (*models.ReviewItem, error) {
	args := []any{reviewID, to, feedback}
	completedAt := "completed_at"
	if to == models.ReviewApproved || to == models.ReviewRejected {
		args = append(args, now)
		completedAt = fmt.Sprintf("$%d", len(args))
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE reviews
		SET status = $2,
		    completed_at = `+completedAt+`,
		    feedback = COALESCE($3, feedback)
		WHERE review_id = $1 AND status = 'in_review'
		RETURNING `+reviewColumns,
		args...)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ReleaseReviewClaim resets an in_review item to pending and clears its
// claim. Returns (nil, nil) when the review is not in_review.
func (s *Store) ReleaseReviewClaim(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE reviews
		SET status = 'pending', claimed_at = NULL
		WHERE review_id = $1 AND status = 'in_review'
		RETURNING `+reviewColumns, reviewID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// TimedOutReviews returns in_review items claimed before the cutoff,
// oldest claim first. Input for the liveness monitor's escalation pass.
func (s *Store) TimedOutReviews(ctx context.Context, cutoff time.Time) ([]*models.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE status = 'in_review' AND claimed_at < $1
		ORDER BY claimed_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query timed-out reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*models.ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// CountReviewsByStatus returns review counts grouped by status plus the
// enqueue time of the oldest pending item.
func (s *Store) CountReviewsByStatus(ctx context.Context) (map[models.ReviewStatus]int, *time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ReviewStatus]int)
	for rows.Next() {
		var (
			status models.ReviewStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, nil, err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(enqueued_at) FROM reviews WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query oldest pending review: %w", err)
	}
	if oldest.Valid {
		return counts, &oldest.Time, nil
	}
	return counts, nil, nil
}

// PurgeCompletedReviews deletes approved and rejected reviews past the
// retention cutoff.
func (s *Store) PurgeCompletedReviews(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reviews
		WHERE status IN ('approved', 'rejected') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge reviews: %w", err)
	}
	return res.RowsAffected()
}
