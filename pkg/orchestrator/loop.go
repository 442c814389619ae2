package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/provider"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Config tunes the orchestrator loops. Zero values select defaults.
type Config struct {
	TickInterval  time.Duration
	StopGrace     time.Duration
	RestartCap    int
	RestartWindow time.Duration
	WorkspaceDir  string
	Now           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.RestartCap <= 0 {
		c.RestartCap = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// workerHandle is one owned process. commanded marks workers the loop
// asked to stop, so their exit does not count as a crash.
type workerHandle struct {
	proc      Process
	commanded bool
}

// Loop reconciles one workspace. The process table lives in the loop
// goroutine; worker exits arrive over a channel.
type Loop struct {
	workspaceID string
	store       *store.Store
	runner      Runner
	bus         *events.Bus
	cfg         Config
	log         *slog.Logger

	workers         map[string]*workerHandle
	exits           chan string
	restarts        []time.Time
	capped          bool
	observedDesired int
	seq             int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a control loop for one workspace.
func NewLoop(workspaceID string, st *store.Store, runner Runner, bus *events.Bus, cfg Config) *Loop {
	cfg.applyDefaults()
	return &Loop{
		workspaceID: workspaceID,
		store:       st,
		runner:      runner,
		bus:         bus,
		cfg:         cfg,
		log:         slog.With("component", "orchestrator", "workspace_id", workspaceID),
		workers:     make(map[string]*workerHandle),
		exits:       make(chan string),
	}
}

// Start launches the reconciliation goroutine.
func (l *Loop) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	l.log.Info("Workspace loop started", "tick_interval", l.cfg.TickInterval)
}

// Stop drains the loop: every worker is stopped gracefully and the
// goroutine exits.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.log.Info("Workspace loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	l.tick(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-ticker.C:
			l.tick(ctx)
		case workerID := <-l.exits:
			l.onExit(ctx, workerID)
		}
	}
}

// tick reads {running, desired} and closes the gap in whichever
// direction it is open.
func (l *Loop) tick(ctx context.Context) {
	ws, err := l.store.GetWorkspace(ctx, l.workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		// The row was purged; treat as desired zero and drain.
		ws = &models.WorkspaceOrchestration{WorkspaceID: l.workspaceID}
	} else if err != nil {
		l.log.Error("Failed to read workspace state", "error", err)
		return
	}

	// A desired change resets the restart budget: the operator asked
	// for something new, give it a fresh window.
	if ws.Desired != l.observedDesired {
		l.observedDesired = ws.Desired
		l.capped = false
		l.restarts = nil
	}

	running := len(l.workers)
	switch {
	case running < ws.Desired:
		if l.capped {
			return
		}
		for i := running; i < ws.Desired; i++ {
			l.startWorker(ctx)
		}
	case running > ws.Desired:
		l.stopWorkers(running - ws.Desired)
	}
	l.publishRunning(ctx)
}

func (l *Loop) startWorker(ctx context.Context) {
	l.seq++
	workerID := fmt.Sprintf("%s-worker-%d", l.workspaceID, l.seq)
	proc, err := l.runner.Start(ctx, provider.WorkerSpec{
		WorkspaceID:  l.workspaceID,
		WorkerID:     workerID,
		WorkspaceDir: l.cfg.WorkspaceDir,
	})
	if err != nil {
		l.log.Error("Failed to start worker", "worker_id", workerID, "error", err)
		return
	}
	l.workers[workerID] = &workerHandle{proc: proc}
	go func() {
		<-proc.Done()
		l.exits <- workerID
	}()
	l.bus.Publish(events.Event{
		Type:        "orchestration.worker_started",
		WorkspaceID: l.workspaceID,
		Payload:     map[string]string{"worker_id": workerID},
	})
}

// stopWorkers commands n workers to stop. Their exits arrive on the
// exits channel like any other; the commanded flag keeps them out of
// the restart accounting.
func (l *Loop) stopWorkers(n int) {
	for workerID, h := range l.workers {
		if n == 0 {
			return
		}
		if h.commanded {
			continue
		}
		h.commanded = true
		h.proc.Stop(l.cfg.StopGrace)
		l.log.Info("Worker stop commanded", "worker_id", workerID)
		n--
	}
}

func (l *Loop) onExit(ctx context.Context, workerID string) {
	h, ok := l.workers[workerID]
	if !ok {
		return
	}
	delete(l.workers, workerID)
	l.publishRunning(ctx)

	l.bus.Publish(events.Event{
		Type:        "orchestration.worker_exited",
		WorkspaceID: l.workspaceID,
		Payload:     map[string]any{"worker_id": workerID, "commanded": h.commanded},
	})
	if h.commanded {
		return
	}

	// Uncommanded exit: count it against the restart budget. The next
	// tick restarts the worker unless the cap tripped.
	now := l.cfg.Now()
	cutoff := now.Add(-l.cfg.RestartWindow)
	kept := l.restarts[:0]
	for _, ts := range l.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.restarts = append(kept, now)

	if len(l.restarts) > l.cfg.RestartCap && !l.capped {
		l.capped = true
		l.log.Warn("Worker restart cap reached, holding restarts",
			"restarts", len(l.restarts), "window", l.cfg.RestartWindow)
		l.bus.Publish(events.Event{
			Type:        "orchestration.restart_capped",
			WorkspaceID: l.workspaceID,
			Payload: map[string]any{
				"workspace_id": l.workspaceID,
				"restarts":     len(l.restarts),
			},
		})
	}
}

// publishRunning writes the loop's process count back to the store.
// This loop is the only writer of running for its workspace.
func (l *Loop) publishRunning(ctx context.Context) {
	if _, err := l.store.SetRunning(ctx, l.workspaceID, len(l.workers), l.cfg.Now().UTC()); err != nil {
		l.log.Error("Failed to publish running count", "error", err)
	}
}

// drain stops every worker and waits for their exits.
func (l *Loop) drain() {
	for _, h := range l.workers {
		h.commanded = true
		h.proc.Stop(l.cfg.StopGrace)
	}
	deadline := time.After(l.cfg.StopGrace + 2*time.Second)
	for len(l.workers) > 0 {
		select {
		case workerID := <-l.exits:
			delete(l.workers, workerID)
		case <-deadline:
			l.log.Warn("Drain timed out", "remaining", len(l.workers))
			return
		}
	}
}
