package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// StoreQueue is the claim-store-backed review queue. The partial unique
// index on open (project_number, issue_number) pairs enforces the
// at-most-one-open-review invariant; claim arbitration is a single
// compare-and-set per call.
type StoreQueue struct {
	store   *store.Store
	timeout time.Duration
	now     func() time.Time
}

// NewStoreQueue creates a review queue over the claim store. timeout <= 0
// selects DefaultClaimTimeout; now == nil selects the real clock.
func NewStoreQueue(st *store.Store, timeout time.Duration, now func() time.Time) *StoreQueue {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &StoreQueue{store: st, timeout: timeout, now: now}
}

func (q *StoreQueue) Enqueue(ctx context.Context, req models.EnqueueReviewRequest) (*models.ReviewItem, error) {
	// Fast path: an open review for the pair already exists.
	existing, err := q.store.GetOpenReview(ctx, req.ProjectNumber, req.IssueNumber)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item := &models.ReviewItem{
		ReviewID:           uuid.New().String(),
		ProjectNumber:      req.ProjectNumber,
		IssueNumber:        req.IssueNumber,
		BranchName:         req.BranchName,
		CompletedByAgentID: req.CompletedByAgentID,
		Status:             models.ReviewPending,
		EnqueuedAt:         q.now().UTC(),
	}
	err = q.store.InsertReview(ctx, item)
	if err == nil {
		return item, nil
	}

	// Lost the race: another enqueue inserted the open review between
	// our read and our insert. Return the winner.
	if _, ok := store.AsUniqueViolation(err); ok {
		winner, readErr := q.store.GetOpenReview(ctx, req.ProjectNumber, req.IssueNumber)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read winning review after conflict: %w", readErr)
		}
		return winner, nil
	}
	return nil, err
}

func (q *StoreQueue) Get(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	r, err := q.store.GetReview(ctx, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (q *StoreQueue) List(ctx context.Context, f models.ReviewFilters) ([]*models.ReviewItem, error) {
	return q.store.ListReviews(ctx, f)
}

func (q *StoreQueue) Claim(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	now := q.now().UTC()
	return q.store.ClaimReview(ctx, reviewID, now, now.Add(-q.timeout))
}

func (q *StoreQueue) UpdateStatus(ctx context.Context, reviewID string, to models.ReviewStatus, feedback *string) (*models.ReviewItem, error) {
	return q.store.UpdateReviewStatus(ctx, reviewID, to, feedback, q.now().UTC())
}

func (q *StoreQueue) ReleaseClaim(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	return q.store.ReleaseReviewClaim(ctx, reviewID)
}

func (q *StoreQueue) TimedOut(ctx context.Context) ([]*models.ReviewItem, error) {
	return q.store.TimedOutReviews(ctx, q.now().UTC().Add(-q.timeout))
}

func (q *StoreQueue) Stats(ctx context.Context) (*models.ReviewStats, error) {
	counts, oldestPending, err := q.store.CountReviewsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	timedOut, err := q.TimedOut(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.ReviewStats{
		Pending:  counts[models.ReviewPending],
		InReview: counts[models.ReviewInReview],
		Approved: counts[models.ReviewApproved],
		Rejected: counts[models.ReviewRejected],
		TimedOut: len(timedOut),
	}
	if oldestPending != nil {
		stats.OldestPendingAge = q.now().UTC().Sub(*oldestPending).Round(time.Second).String()
	}
	return stats, nil
}

func (q *StoreQueue) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := q.store.PurgeCompletedReviews(ctx, cutoff)
	return int(n), err
}
