package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Manager owns one Loop per registered workspace. Workspaces are
// discovered from orchestration rows at startup and on every manager
// tick; loops for purged workspaces drain themselves to zero.
type Manager struct {
	store  *store.Store
	runner Runner
	bus    *events.Bus
	cfg    Config

	mu    sync.Mutex
	loops map[string]*Loop

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates the orchestrator manager.
func NewManager(st *store.Store, runner Runner, bus *events.Bus, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:  st,
		runner: runner,
		bus:    bus,
		cfg:    cfg,
		loops:  make(map[string]*Loop),
	}
}

// Start reconciles the store to reality and launches the discovery
// loop. After a crash no worker processes survive under this manager,
// so every workspace's running count is reset to zero before the loops
// begin reconciling.
func (m *Manager) Start(ctx context.Context) error {
	if m.cancel != nil {
		return nil
	}

	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	now := m.cfg.Now().UTC()
	for _, ws := range workspaces {
		if ws.Running != 0 {
			if _, err := m.store.SetRunning(ctx, ws.WorkspaceID, 0, now); err != nil {
				return err
			}
			slog.Info("Reset stale running count",
				"workspace_id", ws.WorkspaceID, "was", ws.Running)
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)

	slog.Info("Orchestrator manager started", "workspaces", len(workspaces))
	return nil
}

// Stop tears every loop down concurrently, then stops discovery.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.mu.Lock()
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, l := range loops {
		g.Go(func() error {
			l.Stop()
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("Orchestrator manager stopped", "loops", len(loops))
}

// Workspaces returns the ids of the workspaces with live loops.
func (m *Manager) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loops))
	for id := range m.loops {
		out = append(out, id)
	}
	return out
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	m.discover(ctx)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

// discover spawns loops for workspaces that appeared since the last
// tick. Loops are never reaped here: a loop whose row was purged
// drains itself and idles at zero workers.
func (m *Manager) discover(ctx context.Context) {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		slog.Error("Orchestrator: workspace discovery failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range workspaces {
		if _, ok := m.loops[ws.WorkspaceID]; ok {
			continue
		}
		loop := NewLoop(ws.WorkspaceID, m.store, m.runner, m.bus, m.cfg)
		loop.Start(ctx)
		m.loops[ws.WorkspaceID] = loop
	}
}
