package services

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/review"
)

// ReviewService fronts the review queue: it validates verdicts, turns
// predicate misses into conflict kinds, and emits queue events.
type ReviewService struct {
	queue review.Queue
	bus   *events.Bus
}

// NewReviewService creates the review queue service over a queue
// backend.
func NewReviewService(q review.Queue, bus *events.Bus) *ReviewService {
	return &ReviewService{queue: q, bus: bus}
}

func (s *ReviewService) emit(eventType string, r *models.ReviewItem) {
	s.bus.Publish(events.Event{
		Type:          eventType,
		ProjectNumber: r.ProjectNumber,
		Payload:       r,
	})
}

// Enqueue submits completed work for review. Idempotent per work unit:
// resubmitting while an open review exists returns the open one.
func (s *ReviewService) Enqueue(ctx context.Context, req models.EnqueueReviewRequest) (*models.ReviewItem, error) {
	if req.ProjectNumber <= 0 {
		return nil, NewValidationError("project_number", "must be positive")
	}
	if req.IssueNumber <= 0 {
		return nil, NewValidationError("issue_number", "must be positive")
	}
	if req.BranchName == "" {
		return nil, NewValidationError("branch_name", "is required")
	}
	if req.CompletedByAgentID == "" {
		return nil, NewValidationError("completed_by_agent_id", "is required")
	}

	r, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit("review.enqueued", r)
	return r, nil
}

// Get fetches one review.
func (s *ReviewService) Get(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	r, err := s.queue.Get(ctx, reviewID)
	if errors.Is(err, review.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns reviews in queue order.
func (s *ReviewService) List(ctx context.Context, f models.ReviewFilters) ([]*models.ReviewItem, error) {
	if f.Status != "" && !models.ReviewStatus(f.Status).Valid() {
		return nil, NewValidationError("status", "unknown status: "+f.Status)
	}
	items, err := s.queue.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.ReviewItem{}
	}
	return items, nil
}

// Claim takes a review for exclusive processing. A live claim by
// someone else surfaces as ReviewAlreadyClaimed; a timed-out claim is
// silently taken over.
func (s *ReviewService) Claim(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	r, err := s.queue.Claim(ctx, reviewID)
	if err != nil {
		if errors.Is(err, review.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r == nil {
		if _, getErr := s.Get(ctx, reviewID); getErr != nil {
			return nil, getErr
		}
		return nil, &ConflictError{
			Kind:    ConflictReviewAlreadyClaimed,
			Message: "review is already claimed or closed",
		}
	}
	s.emit("review.claimed", r)
	return r, nil
}

// UpdateStatus records a verdict. Approved and rejected close the
// review; a rejection re-enables enqueueing the same work unit.
func (s *ReviewService) UpdateStatus(ctx context.Context, reviewID string, req models.UpdateReviewStatusRequest) (*models.ReviewItem, error) {
	switch req.Status {
	case models.ReviewApproved, models.ReviewRejected, models.ReviewPending:
	default:
		return nil, NewValidationError("status", "must be approved, rejected or pending")
	}
	if req.Status == models.ReviewRejected && req.Feedback == "" {
		return nil, NewValidationError("feedback", "is required when rejecting")
	}

	var feedback *string
	if req.Feedback != "" {
		feedback = &req.Feedback
	}
	r, err := s.queue.UpdateStatus(ctx, reviewID, req.Status, feedback)
	if err != nil {
		if errors.Is(err, review.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r == nil {
		if _, getErr := s.Get(ctx, reviewID); getErr != nil {
			return nil, getErr
		}
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "review is not in_review",
		}
	}
	s.emit("review."+string(req.Status), r)
	return r, nil
}

// ReleaseClaim returns an in_review item to pending without a verdict.
func (s *ReviewService) ReleaseClaim(ctx context.Context, reviewID string) (*models.ReviewItem, error) {
	r, err := s.queue.ReleaseClaim(ctx, reviewID)
	if err != nil {
		if errors.Is(err, review.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r == nil {
		if _, getErr := s.Get(ctx, reviewID); getErr != nil {
			return nil, getErr
		}
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "review is not in_review",
		}
	}
	s.emit("review.released", r)
	return r, nil
}

// Stats summarizes queue depth for dashboards.
func (s *ReviewService) Stats(ctx context.Context) (*models.ReviewStats, error) {
	return s.queue.Stats(ctx)
}
