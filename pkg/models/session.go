package models

import (
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStalled   SessionStatus = "stalled"
	SessionArchived  SessionStatus = "archived"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted, SessionFailed,
		SessionStalled, SessionArchived:
		return true
	}
	return false
}

// Terminal reports whether s refuses further heartbeats and transitions.
// Archived counts as terminal: an archived session is gone from the
// scheduler's point of view even though it never had a completed_at.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionArchived:
		return true
	}
	return false
}

// OccupiesSlot reports whether a session in this status holds its
// (machine, slot) pair. Matches the partial unique index on sessions.
func (s SessionStatus) OccupiesSlot() bool {
	switch s {
	case SessionActive, SessionPaused, SessionStalled:
		return true
	}
	return false
}

// OpenSessionStatuses are the statuses that occupy a slot.
var OpenSessionStatuses = []SessionStatus{SessionActive, SessionPaused, SessionStalled}

// RecoveryEntry records one recovery attempt in a session's history.
type RecoveryEntry struct {
	At         time.Time     `json:"at"`
	FromStatus SessionStatus `json:"from_status"`
}

// Recovery tracks how many times a session has been recovered and when.
type Recovery struct {
	Attempts int             `json:"attempts"`
	History  []RecoveryEntry `json:"history,omitempty"`
}

// Session is one agent's attempt at a project, bound to a machine and
// optionally a slot.
type Session struct {
	SessionID     string         `json:"session_id"`
	ProjectID     string         `json:"project_id"`
	MachineID     string         `json:"machine_id"`
	Slot          *int           `json:"slot,omitempty"`
	Status        SessionStatus  `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CurrentTaskID *string        `json:"current_task_id,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Recovery      Recovery       `json:"recovery"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SessionFailure is the structured failure record written into
// metadata.failure when a session terminates abnormally.
type SessionFailure struct {
	Reason   string         `json:"reason"`
	Details  map[string]any `json:"details,omitempty"`
	FailedAt time.Time      `json:"failed_at"`
}

// CreateSessionRequest contains fields for creating a new session.
// Slot is optional; when nil the scheduler picks the lowest free one.
type CreateSessionRequest struct {
	ProjectID string         `json:"project_id"`
	MachineID string         `json:"machine_id"`
	Slot      *int           `json:"slot,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateSessionRequest contains the mutable session fields. Metadata is
// merged key-by-key into the existing map.
type UpdateSessionRequest struct {
	Status   *SessionStatus `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	Status          string `json:"status,omitempty"` // comma-separated
	ProjectID       string `json:"project_id,omitempty"`
	MachineID       string `json:"machine_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// SessionHealth is the quick liveness probe for a single session.
type SessionHealth struct {
	SessionID     string        `json:"session_id"`
	Status        SessionStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	HeartbeatAge  string        `json:"heartbeat_age"`
	Stale         bool          `json:"stale"`
	CurrentTaskID *string       `json:"current_task_id,omitempty"`
}

// FailureInfo summarizes a session's recorded failure plus recovery
// recommendations derived from heartbeat age and stuck tasks.
type FailureInfo struct {
	SessionID       string          `json:"session_id"`
	Status          SessionStatus   `json:"status"`
	Failure         *SessionFailure `json:"failure,omitempty"`
	HeartbeatAge    string          `json:"heartbeat_age"`
	StuckTaskIDs    []string        `json:"stuck_task_ids,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Recommendations []string        `json:"recommendations"`
}

// RecoveryPlan is the dry-run output of prepare-recovery.
type RecoveryPlan struct {
	SessionID    string        `json:"session_id"`
	FromStatus   SessionStatus `json:"from_status"`
	Recoverable  bool          `json:"recoverable"`
	Reason       string        `json:"reason,omitempty"`
	ResetTaskIDs []string      `json:"reset_task_ids,omitempty"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
}
