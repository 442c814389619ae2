package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, name := range []string{"claude-code", "codex", "bonsai"} {
		p, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := New("gemini")
	assert.Error(t, err)
}

func TestBuildCommand(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("BONSAI_API_KEY", "bsk-test")

	spec := WorkerSpec{
		WorkspaceID:  "ws-1",
		WorkerID:     "ws-1-worker-0",
		ServerURL:    "http://localhost:8080",
		APIKey:       "key-a",
		WorkspaceDir: "/srv/workspaces/ws-1",
	}

	tests := []struct {
		name     string
		path     string
		credVar  string
	}{
		{name: "claude-code", path: "claude", credVar: "ANTHROPIC_API_KEY=sk-ant-test"},
		{name: "codex", path: "codex", credVar: "OPENAI_API_KEY=sk-oai-test"},
		{name: "bonsai", path: "bonsai", credVar: "BONSAI_API_KEY=bsk-test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.name)
			require.NoError(t, err)

			cmd, err := p.BuildCommand(spec)
			require.NoError(t, err)
			assert.Equal(t, tt.path, cmd.Path)
			assert.NotEmpty(t, cmd.Args)
			assert.Equal(t, "/srv/workspaces/ws-1", cmd.Dir)
			assert.Contains(t, cmd.Env, "DISPATCH_SERVER_URL=http://localhost:8080")
			assert.Contains(t, cmd.Env, "DISPATCH_WORKSPACE_ID=ws-1")
			assert.Contains(t, cmd.Env, "DISPATCH_WORKER_ID=ws-1-worker-0")
			assert.Contains(t, cmd.Env, tt.credVar)
		})
	}
}

func TestCredentialsMissing(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	p, err := New("claude-code")
	require.NoError(t, err)

	_, err = p.Credentials()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	_, err = p.BuildCommand(WorkerSpec{WorkspaceID: "ws-1"})
	assert.Error(t, err)
}
