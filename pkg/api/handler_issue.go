package api

import (
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/forge"
)

// createIssueRequest is the body for POST /api/projects/:projectNumber/issues.
type createIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// createIssueResponse carries the created issue plus any non-fatal
// warnings from the linking step.
type createIssueResponse struct {
	Issue    *forge.Issue `json:"issue"`
	Warnings []string     `json:"warnings,omitempty"`
}

// createIssueHandler handles POST /api/projects/:projectNumber/issues.
// Creates the issue on the forge and links it to the project board.
// Issue creation failures are fatal; a linking failure is partial
// success and comes back as a warning, not an error.
func (s *Server) createIssueHandler(c *echo.Context) error {
	projectNumber, err := strconv.Atoi(c.Param("projectNumber"))
	if err != nil || projectNumber <= 0 {
		return badRequest(c, "invalid project number")
	}
	if s.forge == nil {
		return writeError(c, http.StatusServiceUnavailable, kindDependencyUnavailable,
			"forge integration is not configured", nil)
	}

	var req createIssueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Title == "" {
		return badRequest(c, "title is required")
	}

	issue, err := s.forge.CreateIssue(c.Request().Context(), forge.CreateIssueRequest{
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
	})
	if err != nil {
		return s.respondError(c, err)
	}

	resp := &createIssueResponse{Issue: issue}
	if err := s.forge.LinkToProject(c.Request().Context(), issue.ID, projectNumber); err != nil {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("issue #%d created but not linked to project %d: %v",
				issue.Number, projectNumber, err))
	}
	return c.JSON(http.StatusOK, resp)
}
