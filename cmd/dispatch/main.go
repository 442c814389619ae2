// Command dispatch runs the control plane for long-running coding
// agents: the claim store API, the slot scheduler, the liveness
// monitor, the review queue, and the per-workspace orchestrator loops,
// all in a single process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/dispatch/pkg/api"
	"github.com/codeready-toolchain/dispatch/pkg/cleanup"
	"github.com/codeready-toolchain/dispatch/pkg/config"
	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/forge"
	"github.com/codeready-toolchain/dispatch/pkg/liveness"
	"github.com/codeready-toolchain/dispatch/pkg/orchestrator"
	"github.com/codeready-toolchain/dispatch/pkg/provider"
	"github.com/codeready-toolchain/dispatch/pkg/review"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/services"
	"github.com/codeready-toolchain/dispatch/pkg/store"
	"github.com/codeready-toolchain/dispatch/pkg/version"
)

const (
	// storePingInterval is how often the connectivity watcher probes
	// the claim store once the process is up.
	storePingInterval = 15 * time.Second

	// storePingBudget is the number of consecutive failed pings
	// tolerated before the process gives up and exits with code 2,
	// letting the supervisor restart it against a healthy store.
	storePingBudget = 8
)

func main() {
	slog.Info("Starting dispatch", "version", version.Full())

	// 1. Load .env if present (development convenience)
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded", "error", err)
	}

	// 2. Initialize configuration
	cfg, err := config.Initialize("")
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 3. Connect to the claim store (runs migrations)
	storeCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Invalid claim store configuration", "error", err)
		os.Exit(1)
	}
	st, err := store.New(ctx, storeCfg)
	if err != nil {
		slog.Error("Failed to connect to claim store", "error", err)
		os.Exit(1)
	}

	// 4. Event bus and WebSocket gateway
	bus := events.NewBus(cfg.Events.BufferSize, cfg.Events.ReplaySize, nil)
	gateway := events.NewGateway(bus, cfg.Events.WriteTimeout)

	// 5. Review queue
	var reviewQueue review.Queue
	var fileQueue *review.FileQueue
	switch cfg.Review.Backend {
	case "file":
		fileQueue, err = review.OpenFileQueue(cfg.Review.Dir, cfg.Review.ClaimTimeout, time.Now)
		if err != nil {
			slog.Error("Failed to open file review queue", "dir", cfg.Review.Dir, "error", err)
			st.Close()
			os.Exit(1)
		}
		reviewQueue = fileQueue
	default:
		reviewQueue = review.NewStoreQueue(st, cfg.Review.ClaimTimeout, time.Now)
	}

	// 6. Scheduler and services
	sched := scheduler.New(st, time.Now)
	svc := api.Services{
		Sessions: services.NewSessionService(st, sched, bus, services.SessionServiceOptions{
			StaleThreshold: cfg.Liveness.SessionThreshold,
		}),
		Tasks:    services.NewTaskService(st, bus, time.Now),
		Machines: services.NewMachineService(st, bus, time.Now),
		Claims:   services.NewClaimService(st, bus, time.Now),
		Reviews:  services.NewReviewService(reviewQueue, bus),
		Orchestration: services.NewOrchestrationService(st, bus,
			cfg.Orchestrator.MaxWorkers, time.Now),
	}

	// 7. Forge adapter (optional)
	var fg forge.Forge
	if cfg.Forge.Enabled {
		token := os.Getenv(cfg.Forge.TokenEnv)
		if token == "" {
			slog.Warn("Forge token environment variable is empty", "env", cfg.Forge.TokenEnv)
		}
		fg = forge.NewGraphQLClient(cfg.Forge.APIURL, token, cfg.Forge.Owner, cfg.Forge.Repo)
		slog.Info("Forge integration enabled", "owner", cfg.Forge.Owner, "repo", cfg.Forge.Repo)
	}

	// 8. Liveness monitor and retention housekeeping
	monitor := liveness.NewMonitor(st, reviewQueue, bus, liveness.Config{
		Interval:         cfg.Liveness.Interval,
		SessionThreshold: cfg.Liveness.SessionThreshold,
		MachineThreshold: cfg.Liveness.MachineThreshold,
	})
	monitor.Start(ctx)

	retention := cleanup.NewService(st, reviewQueue, cleanup.Config{
		SessionRetention:       cfg.Retention.SessionRetention,
		ReviewRetention:        cfg.Retention.ReviewRetention,
		ClaimRetention:         cfg.Retention.ClaimRetention,
		WorkspaceIdleRetention: cfg.Retention.WorkspaceIdleRetention,
		Interval:               cfg.Retention.Interval,
	})
	retention.Start(ctx)

	// 9. Orchestrator manager
	prov, err := provider.New(cfg.Orchestrator.Provider)
	if err != nil {
		slog.Error("Failed to resolve worker provider", "provider", cfg.Orchestrator.Provider, "error", err)
		retention.Stop()
		monitor.Stop()
		st.Close()
		os.Exit(1)
	}
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	var workerKey string
	if len(cfg.Auth.APIKeys) > 0 {
		workerKey = cfg.Auth.APIKeys[0]
	}
	runner := orchestrator.NewExecRunner(prov, serverURL, workerKey)
	manager := orchestrator.NewManager(st, runner, bus, orchestrator.Config{
		TickInterval:  cfg.Orchestrator.TickInterval,
		StopGrace:     cfg.Orchestrator.StopGrace,
		RestartCap:    cfg.Orchestrator.RestartCap,
		RestartWindow: cfg.Orchestrator.RestartWindow,
		WorkspaceDir:  cfg.Orchestrator.WorkspaceDir,
	})
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator manager", "error", err)
		retention.Stop()
		monitor.Stop()
		st.Close()
		os.Exit(1)
	}

	// 10. Control API
	server := api.NewServer(cfg, st, svc, sched, bus, gateway, monitor, fg)
	apiCtx, stopAPI := context.WithCancel(ctx)
	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- server.Start(apiCtx)
	}()

	// 11. Claim store connectivity watcher
	storeDownCh := make(chan struct{}, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	go watchStore(watchCtx, st, storeDownCh)

	// 12. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	apiDown := false
	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-apiErrCh:
		slog.Error("Control API failed", "error", err)
		exitCode = 1
		apiDown = true
	case <-storeDownCh:
		slog.Error("Claim store unreachable beyond reconnect budget",
			"budget", storePingBudget, "interval", storePingInterval)
		exitCode = 2
	}

	// 13. Graceful shutdown: drain the API first so no new work
	// arrives, then stop the actors, then release the store.
	slog.Info("Shutting down")
	stopWatch()

	stopAPI()
	if !apiDown {
		select {
		case err := <-apiErrCh:
			if err != nil {
				slog.Error("Control API shutdown error", "error", err)
			}
		case <-time.After(cfg.Server.ShutdownTimeout + time.Second):
			slog.Warn("Control API shutdown timed out")
		}
	}

	manager.Stop()
	monitor.Stop()
	retention.Stop()

	if fileQueue != nil {
		if err := fileQueue.Close(); err != nil {
			slog.Error("Failed to close file review queue", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		slog.Error("Failed to close claim store", "error", err)
	}

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}

// watchStore pings the claim store on a fixed cadence and closes
// downCh after storePingBudget consecutive failures. A single
// successful ping resets the count, so transient blips and store
// restarts within the budget are absorbed.
func watchStore(ctx context.Context, st *store.Store, downCh chan<- struct{}) {
	ticker := time.NewTicker(storePingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := st.Ping(pingCtx)
			cancel()
			if err == nil {
				if failures > 0 {
					slog.Info("Claim store connectivity restored", "after_failures", failures)
				}
				failures = 0
				continue
			}
			failures++
			slog.Warn("Claim store ping failed",
				"consecutive", failures, "budget", storePingBudget, "error", err)
			if failures >= storePingBudget {
				downCh <- struct{}{}
				return
			}
		}
	}
}
