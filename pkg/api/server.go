// Package api is the control surface: an echo server exposing the
// session, task, machine, claim, review and orchestration operations
// over JSON, plus the WebSocket push endpoint for dashboards.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/config"
	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/forge"
	"github.com/codeready-toolchain/dispatch/pkg/liveness"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/services"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Services bundles the state-machine services the server fronts.
type Services struct {
	Sessions      *services.SessionService
	Tasks         *services.TaskService
	Machines      *services.MachineService
	Claims        *services.ClaimService
	Reviews       *services.ReviewService
	Orchestration *services.OrchestrationService
}

// Server is the HTTP control API.
type Server struct {
	echo  *echo.Echo
	cfg   *config.Config
	store *store.Store
	svc   Services
	sched *scheduler.Scheduler

	bus      *events.Bus
	gateway  *events.Gateway
	monitor  *liveness.Monitor
	forge    forge.Forge
	worktree *worktreeCache

	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer wires routes and middleware. monitor and forge may be nil;
// the endpoints that need them degrade accordingly.
func NewServer(cfg *config.Config, st *store.Store, svc Services, sched *scheduler.Scheduler,
	bus *events.Bus, gateway *events.Gateway, monitor *liveness.Monitor, fg forge.Forge) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		store:     st,
		svc:       svc,
		sched:     sched,
		bus:       bus,
		gateway:   gateway,
		monitor:   monitor,
		forge:     fg,
		worktree:  newWorktreeCache(),
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the underlying echo instance for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(requestID())

	// Probes bypass auth and the rate limiter.
	e.GET("/health", s.healthHandler)
	e.GET("/health/live", s.liveHandler)
	e.GET("/health/ready", s.readyHandler)
	e.GET("/health/detailed", s.detailedHealthHandler)
	e.GET("/health/system", s.systemHealthHandler)

	auth := apiKeyAuth(s.cfg.Auth.APIKeys)
	limit := rateLimit(s.cfg.RateLimit)

	g := e.Group("", auth, limit)

	g.POST("/sessions", s.createSessionHandler)
	g.GET("/sessions", s.listSessionsHandler)
	g.GET("/sessions/stale", s.staleSessionsHandler)
	g.GET("/sessions/active", s.activeSessionsHandler)
	g.GET("/sessions/failed", s.failedSessionsHandler)
	g.GET("/sessions/by-project/:id", s.sessionsByProjectHandler)
	g.GET("/sessions/by-machine/:id", s.sessionsByMachineHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.PATCH("/sessions/:id", s.updateSessionHandler)
	g.DELETE("/sessions/:id", s.archiveSessionHandler)
	g.POST("/sessions/:id/heartbeat", s.sessionHeartbeatHandler)
	g.POST("/sessions/:id/mark-failed", s.markFailedHandler)
	g.POST("/sessions/:id/mark-stalled", s.markStalledHandler)
	g.POST("/sessions/:id/recover", s.recoverSessionHandler)
	g.POST("/sessions/:id/prepare-recovery", s.prepareRecoveryHandler)
	g.GET("/sessions/:id/failure-info", s.failureInfoHandler)
	g.GET("/sessions/:id/health", s.sessionHealthHandler)

	g.POST("/machines", s.registerMachineHandler)
	g.GET("/machines", s.listMachinesHandler)
	g.GET("/machines/available", s.availableMachinesHandler)
	g.GET("/machines/:id", s.getMachineHandler)
	g.PATCH("/machines/:id", s.updateMachineHandler)
	g.DELETE("/machines/:id", s.deleteMachineHandler)
	g.POST("/machines/:id/heartbeat", s.machineHeartbeatHandler)
	g.POST("/machines/:id/assign-session", s.assignSessionHandler)
	g.POST("/machines/:id/release-session", s.releaseSessionHandler)

	g.POST("/tasks", s.createTaskHandler)
	g.GET("/tasks", s.listTasksHandler)
	g.GET("/tasks/:id", s.getTaskHandler)
	g.PATCH("/tasks/:id", s.transitionTaskHandler)
	g.POST("/tasks/:id/start", s.startTaskHandler)
	g.POST("/tasks/:id/complete", s.completeTaskHandler)
	g.POST("/tasks/:id/fail", s.failTaskHandler)

	g.POST("/claims", s.claimHandler)
	g.GET("/claims", s.listClaimsHandler)
	g.GET("/claims/:projectNumber/:issueNumber", s.getClaimHandler)
	g.DELETE("/claims/:projectNumber/:issueNumber", s.releaseClaimHandler)

	g.POST("/reviews", s.enqueueReviewHandler)
	g.GET("/reviews", s.listReviewsHandler)
	g.GET("/reviews/stats", s.reviewStatsHandler)
	g.POST("/reviews/:id/claim", s.claimReviewHandler)
	g.POST("/reviews/:id/status", s.reviewStatusHandler)
	g.POST("/reviews/:id/release", s.releaseReviewHandler)

	g.POST("/api/events/project", s.projectEventHandler)
	g.PUT("/api/events/worktree/:projectNumber", s.putWorktreeHandler)
	g.GET("/api/events/worktree/:projectNumber", s.getWorktreeHandler)

	g.GET("/api/orchestration/workspaces", s.listWorkspacesHandler)
	g.PUT("/api/orchestration/workspaces/:id", s.setDesiredHandler)
	g.POST("/api/orchestration/workspaces/:id/pause", s.pauseWorkspaceHandler)
	g.POST("/api/orchestration/workspaces/:id/resume", s.resumeWorkspaceHandler)

	g.POST("/api/projects/:projectNumber/issues", s.createIssueHandler)

	g.GET("/orchestration", s.wsHandler)
}

// Start runs the HTTP listener until ctx is cancelled, then shuts down
// within the configured grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.echo,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Control API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
