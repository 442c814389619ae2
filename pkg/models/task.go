package models

import "time"

// TaskStatus is the lifecycle state of a task within a session.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskBlocked, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// taskTransitions is the legal transition table. Completed is terminal.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskBlocked, TaskCompleted},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskBlocked, TaskPending},
	TaskBlocked:    {TaskPending, TaskInProgress},
	TaskFailed:     {TaskPending},
	TaskCompleted:  {},
}

// CanTransitionTo reports whether from → to is a legal task transition.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is a sub-step within a session, tracked independently.
type Task struct {
	TaskID        string         `json:"task_id"`
	SessionID     string         `json:"session_id"`
	ProjectID     string         `json:"project_id"`
	Status        TaskStatus     `json:"status"`
	GithubIssueID *string        `json:"github_issue_id,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreateTaskRequest contains fields for creating a new task.
type CreateTaskRequest struct {
	SessionID     string         `json:"session_id"`
	GithubIssueID *string        `json:"github_issue_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TransitionTaskRequest carries a requested task status change.
// ErrorMessage is required when To is failed.
type TransitionTaskRequest struct {
	To           TaskStatus `json:"to"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// TaskFilters contains filtering options for listing tasks.
type TaskFilters struct {
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
