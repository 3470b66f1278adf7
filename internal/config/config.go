package config

// Config holds the full sentinelld configuration, loaded from YAML, SENTINELL_*
// environment variables, and built-in defaults (in ascending priority order of
// defaults < file < env).
type Config struct {
	Server   Server
	Database Database
	LLM      LLM
	Loop     Loop
	Worker   Worker
	Poller   Poller
	Executor Executor
	Delivery Delivery
	Logging  Logging
}

// Server is the HTTP/WebSocket surface configuration.
type Server struct {
	Host string
	Port int
	// AllowedOrigins is a list of origins permitted to open WebSocket
	// connections. Use ["*"] to allow any origin (development only).
	AllowedOrigins []string
	// RateLimitPerMin caps signal-ingestion requests per client per minute.
	// 0 disables rate limiting.
	RateLimitPerMin int
}

// Database selects the incident store backing file.
type Database struct {
	// SQLitePath is the incident store location. ":memory:" for tests.
	SQLitePath string
}

// LLM is the model provider configuration.
type LLM struct {
	// Provider selects the reasoning backend: anthropic | openai | custom | stub.
	// "stub" wires a canned-response engine for demos without an API key.
	Provider string
	// APIKey overrides the provider's env var (ANTHROPIC_API_KEY etc.).
	APIKey string
	Model  string
	// BaseURL is required for the custom provider, optional elsewhere.
	BaseURL string
	// TimeoutSeconds bounds every reasoning/evaluation call.
	TimeoutSeconds int
	MaxTokens      int
}

// Loop bounds and tunes one run of the observe→evaluate cycle.
type Loop struct {
	// MaxIterations bounds one run of the observe→evaluate loop.
	MaxIterations int
	// ParseFailurePolicy decides what a malformed reason response does:
	// "retry" re-asks once with a stricter prompt; "abort" escalates
	// immediately to manual review.
	ParseFailurePolicy string
	// LLMMaxRetries bounds retries of timed-out / provider-failed calls.
	LLMMaxRetries int
	// LLMRetryBackoffMS is the base backoff between LLM retries.
	LLMRetryBackoffMS int
}

// Worker sizes the incident worker pool.
type Worker struct {
	// Count is the number of concurrent incident runs. The LLM calls are
	// the dominant cost, so this is the effective LLM concurrency limit.
	Count int
	// PollIntervalSeconds is the queue drain interval when idle.
	PollIntervalSeconds int
	// LeaseMinutes is how long a processing claim is honored before the
	// reclaim sweep may requeue the incident.
	LeaseMinutes int
	// ReclaimIntervalSeconds is how often the reclaim sweep runs.
	ReclaimIntervalSeconds int
}

// Poller schedules repository health checks.
type Poller struct {
	Enabled         bool
	IntervalSeconds int
	// CheckTimeoutSeconds bounds one health-check command run.
	CheckTimeoutSeconds int
}

// Executor selects how proposed actions are carried out.
type Executor struct {
	// Mode selects the action executor: "recorder" (default, no side
	// effects) or "command" (allow-listed command runner).
	Mode string
	// AllowedCommands is the command allow-list for "command" mode.
	AllowedCommands []string
	// TimeoutSeconds bounds one action execution.
	TimeoutSeconds int
}

// Delivery tunes the transition hub.
type Delivery struct {
	// ReplayBufferSize is how many transitions per incident the hub keeps
	// for the poll endpoint.
	ReplayBufferSize int
	// SubscriberBufferSize is the per-subscriber channel depth; a
	// subscriber that falls this far behind is disconnected rather than
	// reordered or selectively dropped.
	SubscriberBufferSize int
}

// Logging configures app and audit log output.
type Logging struct {
	Level        string // debug | info | warn | error
	AppLogPath   string // empty = stderr only
	AuditLogPath string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	Compress     bool
}
