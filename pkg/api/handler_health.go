package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/liveness"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
	"github.com/codeready-toolchain/dispatch/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Store   *store.HealthStatus `json:"store"`
}

// DetailedHealthResponse is returned by GET /health/detailed.
type DetailedHealthResponse struct {
	Status        string                           `json:"status"`
	Version       string                           `json:"version"`
	Store         *store.HealthStatus              `json:"store"`
	Liveness      *liveness.Counters               `json:"liveness,omitempty"`
	Events        events.BusStats                  `json:"events"`
	WSConnections int                              `json:"ws_connections"`
	Workspaces    []*models.WorkspaceOrchestration `json:"workspaces"`
	Reviews       *models.ReviewStats              `json:"reviews,omitempty"`
}

// SystemHealthResponse is returned by GET /health/system.
type SystemHealthResponse struct {
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	Uptime     string `json:"uptime"`
}

// healthHandler handles GET /health. Minimal and unauthenticated:
// only the claim store is checked, so a flaky external dependency
// cannot get the whole process restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	health, err := s.store.Health(reqCtx)
	status := healthStatusHealthy
	httpStatus := http.StatusOK
	if err != nil {
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Store:   health,
	})
}

// liveHandler handles GET /health/live. Process-up probe.
func (s *Server) liveHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler handles GET /health/ready. Readiness fails when the
// claim store ping fails.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(reqCtx); err != nil {
		return writeError(c, http.StatusServiceUnavailable, kindDependencyUnavailable,
			"claim store unavailable", nil)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// detailedHealthHandler handles GET /health/detailed: store pool
// statistics, liveness counters, event bus activity and workspace
// orchestration state in one probe.
func (s *Server) detailedHealthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &DetailedHealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	}
	httpStatus := http.StatusOK

	health, err := s.store.Health(reqCtx)
	resp.Store = health
	if err != nil {
		resp.Status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	if s.monitor != nil {
		counters := s.monitor.Snapshot()
		resp.Liveness = &counters
	}
	resp.Events = s.bus.Stats()
	if s.gateway != nil {
		resp.WSConnections = s.gateway.ActiveConnections()
	}

	if workspaces, err := s.svc.Orchestration.List(reqCtx); err == nil {
		resp.Workspaces = workspaces
	}
	if resp.Workspaces == nil {
		resp.Workspaces = []*models.WorkspaceOrchestration{}
	}
	if stats, err := s.svc.Reviews.Stats(reqCtx); err == nil {
		resp.Reviews = stats
	}

	return c.JSON(httpStatus, resp)
}

// systemHealthHandler handles GET /health/system: process-level
// runtime facts for operators.
func (s *Server) systemHealthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &SystemHealthResponse{
		Version:    version.Full(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
	})
}
