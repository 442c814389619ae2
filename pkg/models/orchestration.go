package models

import "time"

// WorkspaceOrchestration tracks how many agent workers a workspace is
// running versus how many the operator wants. The orchestrator loop is
// the only writer of Running; the control API writes Desired.
type WorkspaceOrchestration struct {
	WorkspaceID string    `json:"workspace_id"`
	Running     int       `json:"running"`
	Desired     int       `json:"desired"`
	LastUpdated time.Time `json:"last_updated"`
}

// SetDesiredRequest carries an operator override of the desired count.
type SetDesiredRequest struct {
	Desired int `json:"desired"`
}
