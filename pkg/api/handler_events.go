package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// projectEventHandler handles POST /api/events/project: agents push
// domain events here for fan-out to dashboards watching the project.
func (s *Server) projectEventHandler(c *echo.Context) error {
	var evt models.ProjectEvent
	if err := c.Bind(&evt); err != nil {
		return badRequest(c, "invalid request body")
	}
	if evt.ProjectNumber <= 0 {
		return badRequest(c, "project_number is required")
	}
	if evt.Type == "" {
		return badRequest(c, "type is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	s.bus.Publish(events.Event{
		Type:          evt.Type,
		ProjectNumber: evt.ProjectNumber,
		Payload:       evt.Payload,
	})
	return c.NoContent(http.StatusAccepted)
}

// worktreeCache holds the latest worktree snapshot per project. Pushed
// by agents, served to dashboards, never persisted.
type worktreeCache struct {
	mu sync.RWMutex
	m  map[int]*models.WorktreeStatus
}

func newWorktreeCache() *worktreeCache {
	return &worktreeCache{m: make(map[int]*models.WorktreeStatus)}
}

func (w *worktreeCache) put(status *models.WorktreeStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[status.ProjectNumber] = status
}

func (w *worktreeCache) get(projectNumber int) (*models.WorktreeStatus, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status, ok := w.m[projectNumber]
	return status, ok
}

// putWorktreeHandler handles PUT /api/events/worktree/:projectNumber.
func (s *Server) putWorktreeHandler(c *echo.Context) error {
	projectNumber, err := strconv.Atoi(c.Param("projectNumber"))
	if err != nil || projectNumber <= 0 {
		return badRequest(c, "invalid project number")
	}
	var status models.WorktreeStatus
	if err := c.Bind(&status); err != nil {
		return badRequest(c, "invalid request body")
	}
	status.ProjectNumber = projectNumber
	status.UpdatedAt = time.Now().UTC()
	s.worktree.put(&status)

	s.bus.Publish(events.Event{
		Type:          "worktree.updated",
		ProjectNumber: projectNumber,
		Payload:       &status,
	})
	return c.JSON(http.StatusOK, &status)
}

// getWorktreeHandler handles GET /api/events/worktree/:projectNumber.
func (s *Server) getWorktreeHandler(c *echo.Context) error {
	projectNumber, err := strconv.Atoi(c.Param("projectNumber"))
	if err != nil || projectNumber <= 0 {
		return badRequest(c, "invalid project number")
	}
	status, ok := s.worktree.get(projectNumber)
	if !ok {
		return writeError(c, http.StatusNotFound, kindNotFound, "no worktree status for project", nil)
	}
	return c.JSON(http.StatusOK, status)
}
