package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMin = 120

	// Database defaults
	cfg.Database.SQLitePath = "data/sentinell.db"

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = ""
	cfg.LLM.TimeoutSeconds = 60
	cfg.LLM.MaxTokens = 1024

	// Loop defaults
	cfg.Loop.MaxIterations = 5
	cfg.Loop.ParseFailurePolicy = "retry"
	cfg.Loop.LLMMaxRetries = 2
	cfg.Loop.LLMRetryBackoffMS = 500

	// Worker defaults
	cfg.Worker.Count = 2
	cfg.Worker.PollIntervalSeconds = 2
	cfg.Worker.LeaseMinutes = 10
	cfg.Worker.ReclaimIntervalSeconds = 60

	// Poller defaults
	cfg.Poller.Enabled = false
	cfg.Poller.IntervalSeconds = 300
	cfg.Poller.CheckTimeoutSeconds = 120

	// Executor defaults
	cfg.Executor.Mode = "recorder"
	cfg.Executor.AllowedCommands = nil
	cfg.Executor.TimeoutSeconds = 30

	// Delivery defaults
	cfg.Delivery.ReplayBufferSize = 256
	cfg.Delivery.SubscriberBufferSize = 64

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.AppLogPath = ""
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
