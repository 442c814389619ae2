package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// listWorkspacesHandler handles GET /api/orchestration/workspaces.
func (s *Server) listWorkspacesHandler(c *echo.Context) error {
	workspaces, err := s.svc.Orchestration.List(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	if workspaces == nil {
		workspaces = []*models.WorkspaceOrchestration{}
	}
	return c.JSON(http.StatusOK, workspaces)
}

// setDesiredHandler handles PUT /api/orchestration/workspaces/:id.
// Operator override of the desired worker count; the loop reconciles
// on its next tick.
func (s *Server) setDesiredHandler(c *echo.Context) error {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		return badRequest(c, "workspace id is required")
	}
	var req models.SetDesiredRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ws, err := s.svc.Orchestration.SetDesired(c.Request().Context(), workspaceID, req.Desired)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

// pauseWorkspaceHandler handles POST /api/orchestration/workspaces/:id/pause.
func (s *Server) pauseWorkspaceHandler(c *echo.Context) error {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		return badRequest(c, "workspace id is required")
	}
	ws, err := s.svc.Orchestration.Pause(c.Request().Context(), workspaceID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

// resumeWorkspaceHandler handles POST /api/orchestration/workspaces/:id/resume.
func (s *Server) resumeWorkspaceHandler(c *echo.Context) error {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		return badRequest(c, "workspace id is required")
	}
	ws, err := s.svc.Orchestration.Resume(c.Request().Context(), workspaceID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}
