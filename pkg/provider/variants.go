package provider

import "fmt"

// ClaudeCode launches workers on the claude CLI in headless mode.
type ClaudeCode struct{}

func (p *ClaudeCode) Name() string { return "claude-code" }

func (p *ClaudeCode) BuildCommand(spec WorkerSpec) (Command, error) {
	creds, err := p.Credentials()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path: "claude",
		Args: []string{
			"--print",
			"--output-format", "stream-json",
			"--permission-mode", "acceptEdits",
			fmt.Sprintf("Work the queue for workspace %s as worker %s", spec.WorkspaceID, spec.WorkerID),
		},
		Env: append(dispatchEnv(spec), creds...),
		Dir: spec.WorkspaceDir,
	}, nil
}

func (p *ClaudeCode) Credentials() ([]string, error) {
	entry, err := requireEnv("ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	return []string{entry}, nil
}

// Codex launches workers on the codex CLI.
type Codex struct{}

func (p *Codex) Name() string { return "codex" }

func (p *Codex) BuildCommand(spec WorkerSpec) (Command, error) {
	creds, err := p.Credentials()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path: "codex",
		Args: []string{
			"exec",
			"--full-auto",
			fmt.Sprintf("Work the queue for workspace %s as worker %s", spec.WorkspaceID, spec.WorkerID),
		},
		Env: append(dispatchEnv(spec), creds...),
		Dir: spec.WorkspaceDir,
	}, nil
}

func (p *Codex) Credentials() ([]string, error) {
	entry, err := requireEnv("OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	return []string{entry}, nil
}

// Bonsai launches workers on the bonsai CLI.
type Bonsai struct{}

func (p *Bonsai) Name() string { return "bonsai" }

func (p *Bonsai) BuildCommand(spec WorkerSpec) (Command, error) {
	creds, err := p.Credentials()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path: "bonsai",
		Args: []string{
			"run",
			"--workspace", spec.WorkspaceID,
			"--worker", spec.WorkerID,
		},
		Env: append(dispatchEnv(spec), creds...),
		Dir: spec.WorkspaceDir,
	}, nil
}

func (p *Bonsai) Credentials() ([]string, error) {
	entry, err := requireEnv("BONSAI_API_KEY")
	if err != nil {
		return nil, err
	}
	return []string{entry}, nil
}
