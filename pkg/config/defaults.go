package config

import "time"

// Default returns the built-in configuration: a complete, runnable
// setup for a single-node deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Liveness: LivenessConfig{
			Interval:         30 * time.Second,
			SessionThreshold: 5 * time.Minute,
			MachineThreshold: 10 * time.Minute,
		},
		Review: ReviewConfig{
			Backend:      "postgres",
			Dir:          "data",
			ClaimTimeout: 2 * time.Hour,
		},
		Retention: RetentionConfig{
			SessionRetention:       30 * 24 * time.Hour,
			ReviewRetention:        7 * 24 * time.Hour,
			ClaimRetention:         30 * 24 * time.Hour,
			WorkspaceIdleRetention: 7 * 24 * time.Hour,
			Interval:               time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			TickInterval:  10 * time.Second,
			StopGrace:     5 * time.Second,
			RestartCap:    5,
			RestartWindow: 10 * time.Minute,
			MaxWorkers:    10,
			Provider:      "claude-code",
			WorkspaceDir:  "workspaces",
		},
		Events: EventsConfig{
			BufferSize:   256,
			ReplaySize:   50,
			WriteTimeout: 5 * time.Second,
		},
		Forge: ForgeConfig{
			APIURL:   "https://api.github.com/graphql",
			TokenEnv: "GITHUB_TOKEN",
		},
	}
}
