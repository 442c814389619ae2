// Package cleanup is the housekeeping pass: it enforces the retention
// policy over sessions, reviews, claims, and idle workspace rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/review"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Config holds the retention windows. Zero values select defaults.
// Archived sessions are exempt from expiry.
type Config struct {
	SessionRetention       time.Duration
	ReviewRetention        time.Duration
	ClaimRetention         time.Duration
	WorkspaceIdleRetention time.Duration
	Interval               time.Duration
	Now                    func() time.Time
}

// Service periodically enforces retention policies. All operations are
// idempotent and safe to run from multiple replicas.
type Service struct {
	store   *store.Store
	reviews review.Queue
	cfg     Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a housekeeping service.
func NewService(st *store.Store, reviews review.Queue, cfg Config) *Service {
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 30 * 24 * time.Hour
	}
	if cfg.ReviewRetention <= 0 {
		cfg.ReviewRetention = 7 * 24 * time.Hour
	}
	if cfg.ClaimRetention <= 0 {
		cfg.ClaimRetention = 30 * 24 * time.Hour
	}
	if cfg.WorkspaceIdleRetention <= 0 {
		cfg.WorkspaceIdleRetention = 7 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: st, reviews: reviews, cfg: cfg}
}

// Start launches the background housekeeping loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Housekeeping started",
		"session_retention", s.cfg.SessionRetention,
		"review_retention", s.cfg.ReviewRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the housekeeping loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Housekeeping stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes every retention pass once.
func (s *Service) RunAll(ctx context.Context) {
	now := s.cfg.Now().UTC()
	s.purgeSessions(ctx, now)
	s.purgeReviews(ctx, now)
	s.purgeClaims(ctx, now)
	s.purgeIdleWorkspaces(ctx, now)
}

func (s *Service) purgeSessions(ctx context.Context, now time.Time) {
	count, err := s.store.PurgeExpiredSessions(ctx, now.Add(-s.cfg.SessionRetention))
	if err != nil {
		slog.Error("Retention: session purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired sessions", "count", count)
	}
}

func (s *Service) purgeReviews(ctx context.Context, now time.Time) {
	count, err := s.reviews.Purge(ctx, now.Add(-s.cfg.ReviewRetention))
	if err != nil {
		slog.Error("Retention: review purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged completed reviews", "count", count)
	}
}

func (s *Service) purgeClaims(ctx context.Context, now time.Time) {
	count, err := s.store.PurgeOldClaims(ctx, now.Add(-s.cfg.ClaimRetention))
	if err != nil {
		slog.Error("Retention: claim purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old claims", "count", count)
	}
}

func (s *Service) purgeIdleWorkspaces(ctx context.Context, now time.Time) {
	count, err := s.store.PurgeIdleWorkspaces(ctx, now.Add(-s.cfg.WorkspaceIdleRetention))
	if err != nil {
		slog.Error("Retention: workspace purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged idle workspaces", "count", count)
	}
}
