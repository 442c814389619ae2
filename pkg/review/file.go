package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

const (
	queueFileName = "reviews.json"
	lockFileName  = "reviews.lock"
)

// FileQueue stores the review queue as a single JSON array on disk, for
// deployments without a database. Writes go through write-to-temp-then-
// rename so readers never observe a partial file. A lock file taken at
// open time enforces the single-writer-per-workspace constraint across
// processes; a mutex serializes writers within the process.
//
// Corrupt JSON is treated as an empty queue and the next write is
// authoritative.
type FileQueue struct {
	mu      sync.Mutex
	path    string
	lock    string
	timeout time.Duration
	now     func() time.Time
}

// OpenFileQueue opens (creating if needed) the file-backed queue in the
// given workspace directory and acquires its writer lock. Callers must
// Close the queue to release the lock.
func OpenFileQueue(dir string, timeout time.Duration, now func() time.Time) (*FileQueue, error) {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	q := &FileQueue{
		path:    filepath.Join(dir, queueFileName),
		lock:    filepath.Join(dir, lockFileName),
		timeout: timeout,
		now:     now,
	}
	if err := q.acquireLock(); err != nil {
		return nil, err
	}
	return q, nil
}

// acquireLock creates the lock file exclusively, recording our pid. A
// lock left behind by a dead process must be removed by the operator;
// guessing about pid liveness across hosts is worse than failing loud.
func (q *FileQueue) acquireLock() error {
	f, err := os.OpenFile(q.lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(q.lock)
			return fmt.Errorf("review queue %s is locked by %s", q.path, strings.TrimSpace(string(holder)))
		}
		return fmt.Errorf("failed to acquire queue lock: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// Close releases the writer lock.
func (q *FileQueue) Close() error {
	return os.Remove(q.lock)
}

// load reads the queue file. A missing file is an empty queue; so is a
// corrupt one.
func (q *FileQueue) load() []*models.ReviewItem {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read review queue file, treating as empty",
				"path", q.path, "error", err)
		}
		return nil
	}
	var items []*models.ReviewItem
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn("Review queue file is corrupt, treating as empty",
			"path", q.path, "error", err)
		return nil
	}
	return items
}

// save atomically replaces the queue file.
func (q *FileQueue) save(items []*models.ReviewItem) error {
	if items == nil {
		items = []*models.ReviewItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode review queue: %w", err)
	}
	if err := renameio.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write review queue: %w", err)
	}
	return nil
}

func (q *FileQueue) Enqueue(_ context.Context, req models.EnqueueReviewRequest) (*models.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load()
	for _, it := range items {
		if it.ProjectNumber == req.ProjectNumber && it.IssueNumber == req.IssueNumber && it.Status.Open() {
			return it, nil
		}
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
	if err := q.save(append(items, item)); err != nil {
		return nil, err
	}
	return item, nil
}

func (q *FileQueue) Get(_ context.Context, reviewID string) (*models.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.load() {
		if it.ReviewID == reviewID {
			return it, nil
		}
	}
	return nil, ErrNotFound
}

func (q *FileQueue) List(_ context.Context, f models.ReviewFilters) ([]*models.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var statuses []string
	if f.Status != "" {
		statuses = strings.Split(f.Status, ",")
	}

	var out []*models.ReviewItem
	for _, it := range q.load() {
		if len(statuses) > 0 && !slices.Contains(statuses, string(it.Status)) {
			continue
		}
		if f.ProjectNumber > 0 && it.ProjectNumber != f.ProjectNumber {
			continue
		}
		out = append(out, it)
	}
	slices.SortStableFunc(out, func(a, b *models.ReviewItem) int {
		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// mutate loads the queue, applies fn to the matching item, and saves.
// fn returns false to reject the mutation (predicate miss), matching
// the store backend's (nil, nil) contract.
func (q *FileQueue) mutate(reviewID string, fn func(*models.ReviewItem) bool) (*models.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load()
	for _, it := range items {
		if it.ReviewID != reviewID {
			continue
		}
		if !fn(it) {
			return nil, nil
		}
		if err := q.save(items); err != nil {
			return nil, err
		}
		return it, nil
	}
	return nil, nil
}

func (q *FileQueue) Claim(_ context.Context, reviewID string) (*models.ReviewItem, error) {
	now := q.now().UTC()
	cutoff := now.Add(-q.timeout)
	return q.mutate(reviewID, func(it *models.ReviewItem) bool {
		claimable := it.Status == models.ReviewPending ||
			(it.Status == models.ReviewInReview && it.ClaimedAt != nil && it.ClaimedAt.Before(cutoff))
		if !claimable {
			return false
		}
		it.Status = models.ReviewInReview
		it.ClaimedAt = &now
		return true
	})
}

func (q *FileQueue) UpdateStatus(_ context.Context, reviewID string, to models.ReviewStatus, feedback *string) (*models.ReviewItem, error) {
	now := q.now().UTC()
	return q.mutate(reviewID, func(it *models.ReviewItem) bool {
		if it.Status != models.ReviewInReview {
			return false
		}
		it.Status = to
		if feedback != nil {
			it.Feedback = feedback
		}
		if to == models.ReviewApproved || to == models.ReviewRejected {
			it.CompletedAt = &now
		}
		return true
	})
}

func (q *FileQueue) ReleaseClaim(_ context.Context, reviewID string) (*models.ReviewItem, error) {
	return q.mutate(reviewID, func(it *models.ReviewItem) bool {
		if it.Status != models.ReviewInReview {
			return false
		}
		it.Status = models.ReviewPending
		it.ClaimedAt = nil
		return true
	})
}

func (q *FileQueue) TimedOut(_ context.Context) ([]*models.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-q.timeout)
	var out []*models.ReviewItem
	for _, it := range q.load() {
		if it.Status == models.ReviewInReview && it.ClaimedAt != nil && it.ClaimedAt.Before(cutoff) {
			out = append(out, it)
		}
	}
	slices.SortStableFunc(out, func(a, b *models.ReviewItem) int {
		return a.ClaimedAt.Compare(*b.ClaimedAt)
	})
	return out, nil
}

func (q *FileQueue) Stats(ctx context.Context) (*models.ReviewStats, error) {
	timedOut, err := q.TimedOut(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &models.ReviewStats{TimedOut: len(timedOut)}
	var oldestPending *time.Time
	for _, it := range q.load() {
		switch it.Status {
		case models.ReviewPending:
			stats.Pending++
			if oldestPending == nil || it.EnqueuedAt.Before(*oldestPending) {
				t := it.EnqueuedAt
				oldestPending = &t
			}
		case models.ReviewInReview:
			stats.InReview++
		case models.ReviewApproved:
			stats.Approved++
		case models.ReviewRejected:
			stats.Rejected++
		}
	}
	if oldestPending != nil {
		stats.OldestPendingAge = q.now().UTC().Sub(*oldestPending).Round(time.Second).String()
	}
	return stats, nil
}

func (q *FileQueue) Purge(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load()
	kept := items[:0]
	removed := 0
	for _, it := range items {
		if !it.Status.Open() && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := q.save(kept); err != nil {
		return 0, err
	}
	return removed, nil
}
