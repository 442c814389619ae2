package config

import "fmt"

// Validate checks the merged configuration for values that would make
// the process misbehave at runtime rather than fail fast here.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return newValidationError("server", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return newValidationError("server", "timeouts",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		return newValidationError("rate_limit", "requests_per_second",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.RateLimit.Burst < 1 {
		return newValidationError("rate_limit", "burst",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	if c.Liveness.Interval <= 0 {
		return newValidationError("liveness", "interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.Liveness.SessionThreshold <= c.Liveness.Interval {
		return newValidationError("liveness", "session_threshold",
			fmt.Errorf("%w: must exceed the scan interval", ErrInvalidValue))
	}

	switch c.Review.Backend {
	case "postgres", "file":
	default:
		return newValidationError("review", "backend",
			fmt.Errorf("%w: %q (want postgres or file)", ErrInvalidValue, c.Review.Backend))
	}
	if c.Review.Backend == "file" && c.Review.Dir == "" {
		return newValidationError("review", "dir",
			fmt.Errorf("%w: required for the file backend", ErrInvalidValue))
	}
	if c.Review.ClaimTimeout <= 0 {
		return newValidationError("review", "claim_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	switch c.Orchestrator.Provider {
	case "claude-code", "codex", "bonsai":
	default:
		return newValidationError("orchestrator", "provider",
			fmt.Errorf("%w: %q (want claude-code, codex or bonsai)", ErrInvalidValue, c.Orchestrator.Provider))
	}
	if c.Orchestrator.MaxWorkers < 1 {
		return newValidationError("orchestrator", "max_workers",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if c.Orchestrator.RestartCap < 1 || c.Orchestrator.RestartWindow <= 0 {
		return newValidationError("orchestrator", "restart_cap",
			fmt.Errorf("%w: cap and window must be positive", ErrInvalidValue))
	}

	if c.Events.BufferSize < 1 {
		return newValidationError("events", "buffer_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	if c.Forge.Enabled {
		if c.Forge.APIURL == "" {
			return newValidationError("forge", "api_url",
				fmt.Errorf("%w: required when the forge is enabled", ErrInvalidValue))
		}
		if c.Forge.Owner == "" || c.Forge.Repo == "" {
			return newValidationError("forge", "owner",
				fmt.Errorf("%w: owner and repo are required when the forge is enabled", ErrInvalidValue))
		}
	}

	return nil
}
