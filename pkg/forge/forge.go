// Package forge talks to the source forge that hosts the project
// boards agents work from. The shipped variant speaks the GitHub
// GraphQL v4 API.
package forge

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport-level failures: the forge could not
// be reached or answered with a server error. Callers map it to
// DependencyUnavailable; it is never swallowed.
var ErrUnavailable = errors.New("forge unavailable")

// Issue is a created forge issue.
type Issue struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// CreateIssueRequest carries the fields for a new issue.
type CreateIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// Forge creates and manages work units on the source forge.
type Forge interface {
	// GetRepoID resolves the repository's node id.
	GetRepoID(ctx context.Context) (string, error)

	// CreateIssue opens a new issue and returns it.
	CreateIssue(ctx context.Context, req CreateIssueRequest) (*Issue, error)

	// LinkToProject adds an issue to a project board by project number.
	LinkToProject(ctx context.Context, issueID string, projectNumber int) error

	// CloseIssue closes an issue by node id.
	CloseIssue(ctx context.Context, issueID string) error
}
