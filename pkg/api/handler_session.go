package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// createSessionHandler handles POST /sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	sess, err := s.svc.Sessions.CreateSession(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// listSessionsHandler handles GET /sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	f := models.SessionFilters{
		Status:    c.QueryParam("status"),
		ProjectID: c.QueryParam("project_id"),
		MachineID: c.QueryParam("machine_id"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badRequest(c, "invalid limit")
		}
		f.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badRequest(c, "invalid offset")
		}
		f.Offset = n
	}
	if v := c.QueryParam("include_archived"); v != "" {
		f.IncludeArchived = v == "true" || v == "1"
	}

	result, err := s.svc.Sessions.ListSessions(c.Request().Context(), f)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// staleSessionsHandler handles GET /sessions/stale. The threshold is
// the liveness monitor's unless overridden by a threshold query
// parameter (Go duration syntax).
func (s *Server) staleSessionsHandler(c *echo.Context) error {
	threshold := s.cfg.Liveness.SessionThreshold
	if v := c.QueryParam("threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return badRequest(c, "invalid threshold: must be a positive duration")
		}
		threshold = d
	}

	sessions, err := s.store.StaleSessions(c.Request().Context(), time.Now().UTC().Add(-threshold))
	if err != nil {
		return s.respondError(c, err)
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// activeSessionsHandler handles GET /sessions/active.
func (s *Server) activeSessionsHandler(c *echo.Context) error {
	return s.listByFilter(c, models.SessionFilters{Status: string(models.SessionActive)})
}

// failedSessionsHandler handles GET /sessions/failed.
func (s *Server) failedSessionsHandler(c *echo.Context) error {
	return s.listByFilter(c, models.SessionFilters{Status: string(models.SessionFailed)})
}

// sessionsByProjectHandler handles GET /sessions/by-project/:id.
func (s *Server) sessionsByProjectHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return badRequest(c, "project id is required")
	}
	return s.listByFilter(c, models.SessionFilters{ProjectID: projectID})
}

// sessionsByMachineHandler handles GET /sessions/by-machine/:id.
func (s *Server) sessionsByMachineHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	return s.listByFilter(c, models.SessionFilters{MachineID: machineID})
}

func (s *Server) listByFilter(c *echo.Context, f models.SessionFilters) error {
	result, err := s.svc.Sessions.ListSessions(c.Request().Context(), f)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	sess, err := s.svc.Sessions.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// updateSessionHandler handles PATCH /sessions/:id. Status targets
// completed and failed route through completion so completed_at gets
// stamped; active and paused are direct updates.
func (s *Server) updateSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	var req models.UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if req.Status != nil && (*req.Status == models.SessionCompleted || *req.Status == models.SessionFailed) {
		sess, err := s.svc.Sessions.CompleteSession(c.Request().Context(), sessionID, *req.Status)
		if err != nil {
			return s.respondError(c, err)
		}
		return c.JSON(http.StatusOK, sess)
	}

	sess, err := s.svc.Sessions.UpdateSession(c.Request().Context(), sessionID, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// archiveSessionHandler handles DELETE /sessions/:id. Soft delete:
// the session moves to archived and is kept forever.
func (s *Server) archiveSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	sess, err := s.svc.Sessions.ArchiveSession(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// sessionHeartbeatHandler handles POST /sessions/:id/heartbeat.
func (s *Server) sessionHeartbeatHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	sess, err := s.svc.Sessions.Heartbeat(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// markFailedRequest is the body for POST /sessions/:id/mark-failed.
type markFailedRequest struct {
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// markFailedHandler handles POST /sessions/:id/mark-failed.
func (s *Server) markFailedHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	var req markFailedRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	sess, err := s.svc.Sessions.MarkFailed(c.Request().Context(), sessionID, req.Reason, req.Details)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// markStalledRequest is the body for POST /sessions/:id/mark-stalled.
type markStalledRequest struct {
	Reason string `json:"reason,omitempty"`
}

// markStalledHandler handles POST /sessions/:id/mark-stalled.
func (s *Server) markStalledHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	var req markStalledRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "marked stalled by operator"
	}
	sess, err := s.svc.Sessions.MarkStalled(c.Request().Context(), sessionID, req.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// recoverSessionHandler handles POST /sessions/:id/recover.
func (s *Server) recoverSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	sess, err := s.svc.Sessions.Recover(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// prepareRecoveryHandler handles POST /sessions/:id/prepare-recovery.
// Dry run: reports what a recovery would do without doing it.
func (s *Server) prepareRecoveryHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	plan, err := s.svc.Sessions.PrepareRecovery(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

// failureInfoHandler handles GET /sessions/:id/failure-info.
func (s *Server) failureInfoHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	info, err := s.svc.Sessions.FailureInfo(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// sessionHealthHandler handles GET /sessions/:id/health.
func (s *Server) sessionHealthHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}
	health, err := s.svc.Sessions.Health(c.Request().Context(), sessionID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, health)
}
