package models

import "time"

// ProjectClaim is an exclusive assertion of ownership over a work unit.
// The (project_number, issue_number) pair is unique: a work unit is
// pending when no claim exists, claimed otherwise.
type ProjectClaim struct {
	ProjectNumber    int       `json:"project_number"`
	IssueNumber      int       `json:"issue_number"`
	ClaimedByAgentID string    `json:"claimed_by_agent_id"`
	ClaimedAt        time.Time `json:"claimed_at"`
}

// ClaimRequest contains fields for claiming a work unit.
type ClaimRequest struct {
	ProjectNumber int    `json:"project_number"`
	IssueNumber   int    `json:"issue_number"`
	AgentID       string `json:"agent_id"`
}

// ClaimFilters contains filtering options for listing claims.
type ClaimFilters struct {
	ProjectNumber int    `json:"project_number,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
}
