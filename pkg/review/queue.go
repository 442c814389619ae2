// Package review provides the review queue: an ordered list of
// completed-but-unreviewed work units with at-most-one-claim semantics
// and a claim timeout.
//
// Two backends implement the same Queue contract: the claim store
// (default) and a single JSON file per workspace directory for
// deployments without a database.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// DefaultClaimTimeout is how long a review claim is honored before any
// other reviewer may take it over.
const DefaultClaimTimeout = 2 * time.Hour

// ErrNotFound is returned by Get when no review matches.
var ErrNotFound = errors.New("review not found")

// Queue is the review queue contract. Mutating operations that carry a
// state predicate (Claim, UpdateStatus, ReleaseClaim) return (nil, nil)
// when the predicate does not match: the caller decides whether that is
// a conflict or simply "someone else won".
type Queue interface {
	// Enqueue submits completed work for review. If an open review
	// already exists for the (project, issue) pair, it is returned
	// unchanged: enqueue is idempotent per work unit.
	Enqueue(ctx context.Context, req models.EnqueueReviewRequest) (*models.ReviewItem, error)

	// Get fetches one review by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, reviewID string) (*models.ReviewItem, error)

	// List returns reviews matching the filters in queue order
	// (enqueued_at ascending).
	List(ctx context.Context, f models.ReviewFilters) ([]*models.ReviewItem, error)

	// Claim takes the review for exclusive processing. Succeeds on
	// pending reviews and on in_review ones whose claim timed out.
	Claim(ctx context.Context, reviewID string) (*models.ReviewItem, error)

	// UpdateStatus records a verdict from in_review. Approved and
	// rejected stamp completed_at.
	UpdateStatus(ctx context.Context, reviewID string, to models.ReviewStatus, feedback *string) (*models.ReviewItem, error)

	// ReleaseClaim returns an in_review item to pending.
	ReleaseClaim(ctx context.Context, reviewID string) (*models.ReviewItem, error)

	// TimedOut returns in_review items whose claim is older than the
	// claim timeout.
	TimedOut(ctx context.Context) ([]*models.ReviewItem, error)

	// Stats summarizes queue depth by status.
	Stats(ctx context.Context) (*models.ReviewStats, error)

	// Purge deletes completed reviews older than the cutoff and
	// returns how many were removed.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
