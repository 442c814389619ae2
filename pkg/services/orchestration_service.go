package services

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// OrchestrationService manages per-workspace desired worker counts.
// The orchestrator loop reads Desired and reconciles Running toward it;
// this service is the write side of Desired.
type OrchestrationService struct {
	store      *store.Store
	bus        *events.Bus
	maxWorkers int
	now        func() time.Time
}

// DefaultMaxWorkersPerWorkspace bounds the desired count an operator
// can request for one workspace.
const DefaultMaxWorkersPerWorkspace = 10

// NewOrchestrationService creates the workspace orchestration control
// surface. maxWorkers <= 0 and now == nil select defaults.
func NewOrchestrationService(st *store.Store, bus *events.Bus, maxWorkers int, now func() time.Time) *OrchestrationService {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkersPerWorkspace
	}
	if now == nil {
		now = time.Now
	}
	return &OrchestrationService{store: st, bus: bus, maxWorkers: maxWorkers, now: now}
}

func (s *OrchestrationService) emit(eventType string, ws *models.WorkspaceOrchestration) {
	s.bus.Publish(events.Event{
		Type:        eventType,
		WorkspaceID: ws.WorkspaceID,
		Payload:     ws,
	})
}

// SetDesired records the operator's target worker count for a
// workspace, creating the row if needed.
func (s *OrchestrationService) SetDesired(ctx context.Context, workspaceID string, desired int) (*models.WorkspaceOrchestration, error) {
	if workspaceID == "" {
		return nil, NewValidationError("workspace_id", "is required")
	}
	if desired < 0 {
		return nil, NewValidationError("desired", "must be non-negative")
	}
	if desired > s.maxWorkers {
		return nil, NewValidationError("desired", "exceeds the per-workspace worker limit")
	}

	ws, err := s.store.SetDesired(ctx, workspaceID, desired, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.emit("orchestration.desired", ws)
	return ws, nil
}

// Pause is SetDesired(0): the orchestrator drains the workspace's
// workers on its next tick.
func (s *OrchestrationService) Pause(ctx context.Context, workspaceID string) (*models.WorkspaceOrchestration, error) {
	return s.SetDesired(ctx, workspaceID, 0)
}

// Resume restores a paused workspace to one worker unless it already
// wants more.
func (s *OrchestrationService) Resume(ctx context.Context, workspaceID string) (*models.WorkspaceOrchestration, error) {
	ws, err := s.Get(ctx, workspaceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	desired := 1
	if ws != nil && ws.Desired > 1 {
		desired = ws.Desired
	}
	return s.SetDesired(ctx, workspaceID, desired)
}

// Get fetches one workspace's orchestration state.
func (s *OrchestrationService) Get(ctx context.Context, workspaceID string) (*models.WorkspaceOrchestration, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return ws, err
}

// List returns every workspace's orchestration state.
func (s *OrchestrationService) List(ctx context.Context) ([]*models.WorkspaceOrchestration, error) {
	out, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.WorkspaceOrchestration{}
	}
	return out, nil
}
