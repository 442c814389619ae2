package models

import "time"

// ReviewStatus is the lifecycle state of a review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewInReview ReviewStatus = "in_review"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewInReview, ReviewApproved, ReviewRejected:
		return true
	}
	return false
}

// Open reports whether the review still blocks a new review of the same
// work unit. At most one open review may exist per (project, issue).
func (s ReviewStatus) Open() bool {
	return s == ReviewPending || s == ReviewInReview
}

// ReviewItem is one completed-but-unreviewed unit of work.
type ReviewItem struct {
	ReviewID           string       `json:"review_id"`
	ProjectNumber      int          `json:"project_number"`
	IssueNumber        int          `json:"issue_number"`
	BranchName         string       `json:"branch_name"`
	CompletedByAgentID string       `json:"completed_by_agent_id"`
	Status             ReviewStatus `json:"status"`
	EnqueuedAt         time.Time    `json:"enqueued_at"`
	ClaimedAt          *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	Feedback           *string      `json:"feedback,omitempty"`
}

// EnqueueReviewRequest contains fields for submitting completed work.
type EnqueueReviewRequest struct {
	ProjectNumber      int    `json:"project_number"`
	IssueNumber        int    `json:"issue_number"`
	BranchName         string `json:"branch_name"`
	CompletedByAgentID string `json:"completed_by_agent_id"`
}

// UpdateReviewStatusRequest carries a review verdict.
type UpdateReviewStatusRequest struct {
	Status   ReviewStatus `json:"status"`
	Feedback string       `json:"feedback,omitempty"`
}

// ReviewFilters contains filtering options for listing reviews.
type ReviewFilters struct {
	Status        string `json:"status,omitempty"`
	ProjectNumber int    `json:"project_number,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// ReviewStats summarizes queue depth and age for dashboards.
type ReviewStats struct {
	Pending          int    `json:"pending"`
	InReview         int    `json:"in_review"`
	Approved         int    `json:"approved"`
	Rejected         int    `json:"rejected"`
	TimedOut         int    `json:"timed_out"`
	OldestPendingAge string `json:"oldest_pending_age,omitempty"`
}
