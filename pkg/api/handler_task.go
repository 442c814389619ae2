package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// createTaskHandler handles POST /tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req models.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	task, err := s.svc.Tasks.CreateTask(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// listTasksHandler handles GET /tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	f := models.TaskFilters{
		SessionID: c.QueryParam("session_id"),
		ProjectID: c.QueryParam("project_id"),
		Status:    c.QueryParam("status"),
	}
	tasks, err := s.svc.Tasks.ListTasks(c.Request().Context(), f)
	if err != nil {
		return s.respondError(c, err)
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// getTaskHandler handles GET /tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return badRequest(c, "task id is required")
	}
	task, err := s.svc.Tasks.GetTask(c.Request().Context(), taskID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// transitionTaskHandler handles PATCH /tasks/:id with an explicit
// target status.
func (s *Server) transitionTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return badRequest(c, "task id is required")
	}
	var req models.TransitionTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	task, err := s.svc.Tasks.Transition(c.Request().Context(), taskID, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// startTaskHandler handles POST /tasks/:id/start. Also points the
// session's current_task_id at the task; a session runs one task at a
// time.
func (s *Server) startTaskHandler(c *echo.Context) error {
	return s.transitionTo(c, models.TransitionTaskRequest{To: models.TaskInProgress})
}

// completeTaskHandler handles POST /tasks/:id/complete.
func (s *Server) completeTaskHandler(c *echo.Context) error {
	return s.transitionTo(c, models.TransitionTaskRequest{To: models.TaskCompleted})
}

// failTaskRequest is the body for POST /tasks/:id/fail.
type failTaskRequest struct {
	ErrorMessage string `json:"error_message"`
}

// failTaskHandler handles POST /tasks/:id/fail.
func (s *Server) failTaskHandler(c *echo.Context) error {
	var req failTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return s.transitionTo(c, models.TransitionTaskRequest{
		To:           models.TaskFailed,
		ErrorMessage: req.ErrorMessage,
	})
}

func (s *Server) transitionTo(c *echo.Context, req models.TransitionTaskRequest) error {
	taskID := c.Param("id")
	if taskID == "" {
		return badRequest(c, "task id is required")
	}
	task, err := s.svc.Tasks.Transition(c.Request().Context(), taskID, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}
