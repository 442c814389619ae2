package review

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// fakeClock is an adjustable clock for deterministic timeout tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*FileQueue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	q, err := OpenFileQueue(t.TempDir(), 2*time.Hour, clock.now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, clock
}

func enqueueReq(issue int) models.EnqueueReviewRequest {
	return models.EnqueueReviewRequest{
		ProjectNumber:      79,
		IssueNumber:        issue,
		BranchName:         "feature/x",
		CompletedByAgentID: "agent-1",
	}
}

func TestFileQueue_EnqueueAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	assert.NotEmpty(t, item.ReviewID)
	assert.Equal(t, models.ReviewPending, item.Status)
	assert.Equal(t, 79, item.ProjectNumber)

	claimed, err := q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.ReviewInReview, claimed.Status)
	require.NotNil(t, claimed.ClaimedAt)

	// Second claim loses: the review is already validly held.
	second, err := q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestFileQueue_EnqueueIsIdempotentPerWorkUnit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	assert.Equal(t, first.ReviewID, second.ReviewID)

	items, err := q.List(ctx, models.ReviewFilters{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFileQueue_ListReturnsQueueOrder(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	for _, issue := range []int{1, 2, 3} {
		_, err := q.Enqueue(ctx, enqueueReq(issue))
		require.NoError(t, err)
		clock.advance(100 * time.Millisecond)
	}

	items, err := q.List(ctx, models.ReviewFilters{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 1, items[0].IssueNumber)
	assert.Equal(t, 2, items[1].IssueNumber)
	assert.Equal(t, 3, items[2].IssueNumber)
}

func TestFileQueue_ClaimTimeoutAllowsTakeover(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	firstClaimAt := *claimed.ClaimedAt

	// One second before the timeout the claim still holds.
	clock.advance(2*time.Hour - time.Second)
	blocked, err := q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	assert.Nil(t, blocked)
	timedOut, err := q.TimedOut(ctx)
	require.NoError(t, err)
	assert.Empty(t, timedOut)

	// Past the timeout the review surfaces as timed out and a new
	// claim succeeds, overwriting claimed_at.
	clock.advance(2 * time.Second)
	timedOut, err = q.TimedOut(ctx)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, item.ReviewID, timedOut[0].ReviewID)

	taken, err := q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, models.ReviewInReview, taken.Status)
	assert.True(t, taken.ClaimedAt.After(firstClaimAt))
}

func TestFileQueue_ReleaseClaimRestoresPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	_, err = q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)

	released, err := q.ReleaseClaim(ctx, item.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, models.ReviewPending, released.Status)
	assert.Nil(t, released.ClaimedAt)
	assert.Equal(t, item.ReviewID, released.ReviewID)

	// Releasing a pending review is a predicate miss, not an error.
	again, err := q.ReleaseClaim(ctx, item.ReviewID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFileQueue_UpdateStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)

	// A verdict on an unclaimed review misses the predicate.
	missed, err := q.UpdateStatus(ctx, item.ReviewID, models.ReviewApproved, nil)
	require.NoError(t, err)
	assert.Nil(t, missed)

	_, err = q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)

	feedback := "looks good"
	approved, err := q.UpdateStatus(ctx, item.ReviewID, models.ReviewApproved, &feedback)
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, models.ReviewApproved, approved.Status)
	assert.NotNil(t, approved.CompletedAt)
	require.NotNil(t, approved.Feedback)
	assert.Equal(t, "looks good", *approved.Feedback)

	// The work unit can be re-enqueued once the review is closed.
	reopened, err := q.Enqueue(ctx, enqueueReq(10))
	require.NoError(t, err)
	assert.NotEqual(t, item.ReviewID, reopened.ReviewID)
}

func TestFileQueue_CorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Now()}
	q, err := OpenFileQueue(dir, 0, clock.now)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, queueFileName), []byte("{not json"), 0o644))

	items, err := q.List(context.Background(), models.ReviewFilters{})
	require.NoError(t, err)
	assert.Empty(t, items)

	// The next write is authoritative.
	item, err := q.Enqueue(context.Background(), enqueueReq(1))
	require.NoError(t, err)
	got, err := q.Get(context.Background(), item.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, item.ReviewID, got.ReviewID)
}

func TestFileQueue_SingleWriterLock(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenFileQueue(dir, 0, nil)
	require.NoError(t, err)

	_, err = OpenFileQueue(dir, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, q.Close())
	q2, err := OpenFileQueue(dir, 0, nil)
	require.NoError(t, err)
	_ = q2.Close()
}

func TestFileQueue_PurgeRemovesOldCompleted(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, enqueueReq(1))
	require.NoError(t, err)
	_, err = q.Claim(ctx, item.ReviewID)
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, item.ReviewID, models.ReviewRejected, nil)
	require.NoError(t, err)

	open, err := q.Enqueue(ctx, enqueueReq(2))
	require.NoError(t, err)

	clock.advance(8 * 24 * time.Hour)
	removed, err := q.Purge(ctx, clock.now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Get(ctx, item.ReviewID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, open.ReviewID)
	assert.NoError(t, err)
}

func TestFileQueue_StatsCountsByStatus(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, enqueueReq(1))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, enqueueReq(2))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, enqueueReq(3))
	require.NoError(t, err)

	_, err = q.Claim(ctx, a.ReviewID)
	require.NoError(t, err)
	_, err = q.Claim(ctx, b.ReviewID)
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, b.ReviewID, models.ReviewApproved, nil)
	require.NoError(t, err)

	clock.advance(time.Minute)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.InReview)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 0, stats.TimedOut)
	assert.NotEmpty(t, stats.OldestPendingAge)
}
