// Package provider abstracts the agent CLI a worker process runs.
// Each variant knows how to build the worker command line and which
// credentials it needs from the environment.
package provider

import (
	"fmt"
	"os"
)

// WorkerSpec describes one worker process to launch.
type WorkerSpec struct {
	WorkspaceID  string
	WorkerID     string
	ServerURL    string
	APIKey       string
	WorkspaceDir string
}

// Command is a fully resolved worker invocation. Env entries are
// KEY=value pairs appended to the inherited environment.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Provider builds worker commands for one agent CLI.
type Provider interface {
	// Name is the configuration identifier of the variant.
	Name() string

	// BuildCommand resolves the worker invocation for the spec.
	BuildCommand(spec WorkerSpec) (Command, error)

	// Credentials returns the provider's credential environment
	// entries, failing when a required variable is unset.
	Credentials() ([]string, error)
}

// New selects a provider variant by its configuration name.
func New(name string) (Provider, error) {
	switch name {
	case "claude-code":
		return &ClaudeCode{}, nil
	case "codex":
		return &Codex{}, nil
	case "bonsai":
		return &Bonsai{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// dispatchEnv is the worker-side contract: every provider's worker
// process learns where the control API lives and who it is through
// these variables.
func dispatchEnv(spec WorkerSpec) []string {
	return []string{
		"DISPATCH_SERVER_URL=" + spec.ServerURL,
		"DISPATCH_API_KEY=" + spec.APIKey,
		"DISPATCH_WORKSPACE_ID=" + spec.WorkspaceID,
		"DISPATCH_WORKER_ID=" + spec.WorkerID,
	}
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return key + "=" + v, nil
}
