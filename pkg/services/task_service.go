package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// TaskService drives the task lifecycle and keeps each session's
// single-task-in-flight invariant: a session's current_task_id is set
// by the same compare-and-set round that starts the task, so two tasks
// can never run in one session at once.
type TaskService struct {
	store *store.Store
	bus   *events.Bus
	now   func() time.Time
}

// NewTaskService creates the task state machine. now == nil selects the
// real clock.
func NewTaskService(st *store.Store, bus *events.Bus, now func() time.Time) *TaskService {
	if now == nil {
		now = time.Now
	}
	return &TaskService{store: st, bus: bus, now: now}
}

func (s *TaskService) emit(eventType string, t *models.Task) {
	s.bus.Publish(events.Event{
		Type:        eventType,
		WorkspaceID: t.ProjectID,
		Payload:     t,
	})
}

// CreateTask adds a pending task to a non-terminal session.
func (s *TaskService) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "is required")
	}
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminalSession
	}

	now := s.now().UTC()
	task := &models.Task{
		TaskID:        uuid.New().String(),
		SessionID:     req.SessionID,
		ProjectID:     sess.ProjectID,
		Status:        models.TaskPending,
		GithubIssueID: req.GithubIssueID,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.emit("task.created", task)
	return task, nil
}

// GetTask fetches one task.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks matching the filters.
func (s *TaskService) ListTasks(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	if f.Status != "" && !models.TaskStatus(f.Status).Valid() {
		return nil, NewValidationError("status", "unknown status: "+f.Status)
	}
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return tasks, nil
}

// Transition moves a task along its state machine. Entering
// in_progress first claims the session's current-task pointer; leaving
// in_progress releases it. A transition to failed requires an error
// message; a retry (failed → pending) clears it.
func (s *TaskService) Transition(ctx context.Context, taskID string, req models.TransitionTaskRequest) (*models.Task, error) {
	if !req.To.Valid() {
		return nil, NewValidationError("to", "unknown status: "+string(req.To))
	}
	if req.To == models.TaskFailed && req.ErrorMessage == "" {
		return nil, NewValidationError("error_message", "is required when failing a task")
	}

	prior, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.CanTransitionTo(req.To) {
		return nil, &IllegalTransitionError{
			Entity: "task",
			From:   string(prior.Status),
			To:     string(req.To),
		}
	}

	if req.To == models.TaskInProgress {
		return s.startTask(ctx, prior)
	}

	opts := store.TransitionTaskOptions{}
	switch req.To {
	case models.TaskCompleted:
		opts.SetCompletedAt = true
	case models.TaskFailed:
		opts.ErrorMessage = &req.ErrorMessage
		opts.SetCompletedAt = true
	case models.TaskPending:
		opts.ClearErrorMessage = true
	}

	task, err := s.store.TransitionTask(ctx, taskID, prior.Status, req.To, s.now().UTC(), opts)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "task status changed concurrently",
		}
	}

	// Leaving in_progress frees the session's current-task pointer.
	// Best effort: a miss means the session already moved on.
	if prior.Status == models.TaskInProgress {
		if _, err := s.store.ClearCurrentTask(ctx, task.SessionID, taskID, s.now().UTC()); err != nil {
			return nil, err
		}
	}

	s.emit("task."+string(req.To), task)
	return task, nil
}

// startTask is the two-step entry into in_progress: claim the session's
// current-task pointer, then flip the task. A miss on the pointer means
// another task is already running; a miss on the task flip rolls the
// pointer back.
func (s *TaskService) startTask(ctx context.Context, prior *models.Task) (*models.Task, error) {
	now := s.now().UTC()
	sess, err := s.store.SetCurrentTask(ctx, prior.SessionID, prior.TaskID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "session already has a task in progress",
		}
	}

	task, err := s.store.TransitionTask(ctx, prior.TaskID, prior.Status, models.TaskInProgress,
		now, store.TransitionTaskOptions{SetStartedAt: true, ClearErrorMessage: true})
	if err != nil {
		return nil, err
	}
	if task == nil {
		if _, rbErr := s.store.ClearCurrentTask(ctx, prior.SessionID, prior.TaskID, s.now().UTC()); rbErr != nil {
			return nil, rbErr
		}
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "task status changed concurrently",
		}
	}

	s.emit("task.in_progress", task)
	return task, nil
}
