package config

import "fmt"

// Validate checks the configuration for errors. A non-empty result means the
// process must refuse to start: misconfiguration fails the whole worker
// loudly at boot, never per-incident.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("database.sqlite_path is required"))
	}

	switch c.LLM.Provider {
	case "anthropic", "openai", "custom", "stub":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be one of anthropic|openai|custom|stub, got %q", c.LLM.Provider))
	}
	if c.LLM.Provider == "custom" && c.LLM.BaseURL == "" {
		errs = append(errs, fmt.Errorf("llm.base_url is required for the custom provider"))
	}
	if c.LLM.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("llm.timeout_seconds must be positive"))
	}

	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be at least 1"))
	}
	switch c.Loop.ParseFailurePolicy {
	case "retry", "abort":
	default:
		errs = append(errs, fmt.Errorf("loop.parse_failure_policy must be retry|abort, got %q", c.Loop.ParseFailurePolicy))
	}
	if c.Loop.LLMMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("loop.llm_max_retries must not be negative"))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be at least 1"))
	}
	if c.Worker.LeaseMinutes < 1 {
		errs = append(errs, fmt.Errorf("worker.lease_minutes must be at least 1"))
	}

	switch c.Executor.Mode {
	case "recorder":
	case "command":
		if len(c.Executor.AllowedCommands) == 0 {
			errs = append(errs, fmt.Errorf("executor.allowed_commands must not be empty in command mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.mode must be recorder|command, got %q", c.Executor.Mode))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level))
	}

	return errs
}
