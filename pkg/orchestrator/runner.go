// Package orchestrator reconciles per-workspace worker processes
// toward the operator's desired count. A Manager owns one control loop
// per workspace; each loop owns its local process table and is the
// only writer of that workspace's running count.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/provider"
)

// Process is one running worker owned by a loop.
type Process interface {
	// ID is the worker's identifier within its workspace.
	ID() string

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Stop asks the worker to exit gracefully, escalating to a hard
	// kill after the grace period. Safe to call more than once.
	Stop(grace time.Duration)
}

// Runner launches worker processes.
type Runner interface {
	Start(ctx context.Context, spec provider.WorkerSpec) (Process, error)
}

// ExecRunner launches real worker processes using the configured
// provider's command.
type ExecRunner struct {
	provider  provider.Provider
	serverURL string
	apiKey    string
}

// NewExecRunner creates a runner that execs the provider's CLI.
// serverURL and apiKey are handed to every worker so it can call back
// into the control API.
func NewExecRunner(p provider.Provider, serverURL, apiKey string) *ExecRunner {
	return &ExecRunner{provider: p, serverURL: serverURL, apiKey: apiKey}
}

func (r *ExecRunner) Start(ctx context.Context, spec provider.WorkerSpec) (Process, error) {
	spec.ServerURL = r.serverURL
	spec.APIKey = r.apiKey

	command, err := r.provider.BuildCommand(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker command: %w", err)
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	// A dedicated process group so a hard kill reaches the worker's
	// children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", spec.WorkerID, err)
	}

	p := &execProcess{
		id:   spec.WorkerID,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			slog.Debug("Worker process exited", "worker_id", p.id, "error", err)
		}
		close(p.done)
	}()

	slog.Info("Worker started",
		"worker_id", spec.WorkerID,
		"workspace_id", spec.WorkspaceID,
		"provider", r.provider.Name(),
		"pid", cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	id       string
	cmd      *exec.Cmd
	done     chan struct{}
	stopOnce sync.Once
}

func (p *execProcess) ID() string            { return p.id }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-time.After(grace):
				slog.Warn("Worker ignored SIGTERM, killing", "worker_id", p.id)
				_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
			}
		}()
	})
}
