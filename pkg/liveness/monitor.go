// Package liveness is the heartbeat watchdog: a tick-driven monitor
// that marks silent sessions stalled, silent machines offline, and
// escalates review claims that outlived their timeout.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/review"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Defaults for the monitor's cadence and thresholds.
const (
	DefaultInterval         = 30 * time.Second
	DefaultSessionThreshold = 5 * time.Minute
	DefaultMachineThreshold = 10 * time.Minute
)

// Config tunes the monitor. Zero values select defaults.
type Config struct {
	Interval         time.Duration
	SessionThreshold time.Duration
	MachineThreshold time.Duration
	Now              func() time.Time
}

// Counters are the per-tick scan results surfaced by /health/detailed.
type Counters struct {
	LastScan         time.Time `json:"last_scan"`
	Ticks            uint64    `json:"ticks"`
	SessionsStalled  int       `json:"sessions_stalled"`
	MachinesOffline  int       `json:"machines_offline"`
	ReviewsEscalated int       `json:"reviews_escalated"`
	TotalStalled     uint64    `json:"total_stalled"`
	TotalOffline     uint64    `json:"total_offline"`
	TotalEscalated   uint64    `json:"total_escalated"`
}

// Monitor is the liveness watchdog.
type Monitor struct {
	store   *store.Store
	reviews review.Queue
	bus     *events.Bus
	cfg     Config

	mu       sync.Mutex
	counters Counters

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a liveness monitor over the claim store and the
// review queue.
func NewMonitor(st *store.Store, reviews review.Queue, bus *events.Bus, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SessionThreshold <= 0 {
		cfg.SessionThreshold = DefaultSessionThreshold
	}
	if cfg.MachineThreshold <= 0 {
		cfg.MachineThreshold = DefaultMachineThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{store: st, reviews: reviews, bus: bus, cfg: cfg}
}

// Start launches the background scan loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	slog.Info("Liveness monitor started",
		"interval", m.cfg.Interval,
		"session_threshold", m.cfg.SessionThreshold,
		"machine_threshold", m.cfg.MachineThreshold)
}

// Stop signals the scan loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Liveness monitor stopped")
}

// Snapshot returns the counters from the most recent tick.
func (m *Monitor) Snapshot() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs the three liveness passes once. Each pass tolerates the
// other writers: every transition is predicated on the state observed
// by the scan, so a heartbeat landing mid-tick simply makes the row a
// predicate miss.
func (m *Monitor) tick(ctx context.Context) {
	now := m.cfg.Now().UTC()

	stalled := m.reapStaleSessions(ctx, now)
	offline := m.reapStaleMachines(ctx, now)
	escalated := m.escalateTimedOutReviews(ctx)

	m.mu.Lock()
	m.counters.LastScan = now
	m.counters.Ticks++
	m.counters.SessionsStalled = stalled
	m.counters.MachinesOffline = offline
	m.counters.ReviewsEscalated = escalated
	m.counters.TotalStalled += uint64(stalled)
	m.counters.TotalOffline += uint64(offline)
	m.counters.TotalEscalated += uint64(escalated)
	m.mu.Unlock()
}

func (m *Monitor) reapStaleSessions(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.SessionThreshold)
	stale, err := m.store.StaleSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Liveness: stale session scan failed", "error", err)
		return 0
	}

	stalled := 0
	for _, sess := range stale {
		post, err := m.store.TransitionSession(ctx, sess.SessionID,
			[]models.SessionStatus{sess.Status}, models.SessionStalled, now,
			store.TransitionSessionOptions{
				MetadataPatch: map[string]any{"stall_reason": "heartbeat timeout"},
			})
		if err != nil {
			slog.Error("Liveness: failed to mark session stalled",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		if post == nil {
			// A heartbeat or another transition beat us to the row.
			continue
		}
		stalled++
		m.bus.Publish(events.Event{
			Type:        "session.stalled",
			WorkspaceID: post.ProjectID,
			Payload:     post,
		})
		slog.Warn("Liveness: session stalled",
			"session_id", post.SessionID,
			"project_id", post.ProjectID,
			"last_heartbeat", post.LastHeartbeat)
	}
	return stalled
}

func (m *Monitor) reapStaleMachines(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.MachineThreshold)
	stale, err := m.store.StaleMachines(ctx, cutoff)
	if err != nil {
		slog.Error("Liveness: stale machine scan failed", "error", err)
		return 0
	}

	offlined := 0
	for _, machine := range stale {
		post, err := m.store.TransitionMachine(ctx, machine.MachineID,
			models.MachineOnline, models.MachineOffline, now)
		if err != nil {
			slog.Error("Liveness: failed to mark machine offline",
				"machine_id", machine.MachineID, "error", err)
			continue
		}
		if post == nil {
			continue
		}
		offlined++
		m.bus.Publish(events.Event{Type: "machine.offline", Payload: post})
		slog.Warn("Liveness: machine offline",
			"machine_id", post.MachineID,
			"last_heartbeat", post.LastHeartbeat)
	}
	return offlined
}

// escalateTimedOutReviews emits review.escalated for every overdue
// claim, every tick, without releasing the claim. Deduplication is the
// consumer's problem.
func (m *Monitor) escalateTimedOutReviews(ctx context.Context) int {
	overdue, err := m.reviews.TimedOut(ctx)
	if err != nil {
		slog.Error("Liveness: review timeout scan failed", "error", err)
		return 0
	}
	for _, r := range overdue {
		m.bus.Publish(events.Event{
			Type:          "review.escalated",
			ProjectNumber: r.ProjectNumber,
			Payload:       r,
		})
	}
	return len(overdue)
}
