package models

import "time"

// ProjectEvent is a domain event pushed by an external agent for fan-out
// to dashboards watching that project.
type ProjectEvent struct {
	ProjectNumber int            `json:"project_number"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// WorktreeStatus is a cached snapshot of a project's working tree,
// pushed by agents and served to dashboards. Not persisted.
type WorktreeStatus struct {
	ProjectNumber int            `json:"project_number"`
	Branch        string         `json:"branch,omitempty"`
	Dirty         bool           `json:"dirty"`
	Payload       map[string]any `json:"payload,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
