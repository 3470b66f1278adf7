package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads and watches sentinelld configuration via Viper.
type Manager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// NewManager creates a Manager reading the given YAML file. The file is
// optional; env vars and defaults apply either way.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		watchChan:  make(chan Config, 1),
	}
}

// Load reads configuration from all sources and validates it.
func (m *Manager) Load() (*Config, error) {
	m.viper = viper.New()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		m.viper.SetConfigType("yaml")
	}

	m.viper.SetEnvPrefix("SENTINELL")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				// Missing file is fine; defaults + env vars apply.
			} else {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if err := m.unmarshal(); err != nil {
		return nil, err
	}
	m.applyEnvOverrides()

	if errs := m.config.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return m.config, nil
}

// Watch emits a fresh Config whenever the file changes on disk. Invalid
// updates are dropped; the running config stays in effect.
func (m *Manager) Watch() <-chan Config {
	if m.configPath == "" {
		// No file to watch; the channel stays silent.
		return m.watchChan
	}
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(_ fsnotify.Event) {
		if err := m.unmarshal(); err != nil {
			return
		}
		m.applyEnvOverrides()
		if errs := m.config.Validate(); len(errs) > 0 {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
		}
	})
	return m.watchChan
}

func (m *Manager) unmarshal() error {
	cfg := &Config{}

	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")

	cfg.Loop.MaxIterations = m.viper.GetInt("loop.max_iterations")
	cfg.Loop.ParseFailurePolicy = m.viper.GetString("loop.parse_failure_policy")
	cfg.Loop.LLMMaxRetries = m.viper.GetInt("loop.llm_max_retries")
	cfg.Loop.LLMRetryBackoffMS = m.viper.GetInt("loop.llm_retry_backoff_ms")

	cfg.Worker.Count = m.viper.GetInt("worker.count")
	cfg.Worker.PollIntervalSeconds = m.viper.GetInt("worker.poll_interval_seconds")
	cfg.Worker.LeaseMinutes = m.viper.GetInt("worker.lease_minutes")
	cfg.Worker.ReclaimIntervalSeconds = m.viper.GetInt("worker.reclaim_interval_seconds")

	cfg.Poller.Enabled = m.viper.GetBool("poller.enabled")
	cfg.Poller.IntervalSeconds = m.viper.GetInt("poller.interval_seconds")
	cfg.Poller.CheckTimeoutSeconds = m.viper.GetInt("poller.check_timeout_seconds")

	cfg.Executor.Mode = m.viper.GetString("executor.mode")
	cfg.Executor.AllowedCommands = m.viper.GetStringSlice("executor.allowed_commands")
	cfg.Executor.TimeoutSeconds = m.viper.GetInt("executor.timeout_seconds")

	cfg.Delivery.ReplayBufferSize = m.viper.GetInt("delivery.replay_buffer_size")
	cfg.Delivery.SubscriberBufferSize = m.viper.GetInt("delivery.subscriber_buffer_size")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.config = cfg
	return nil
}

// applyEnvOverrides picks up provider API keys from their conventional env
// vars when llm.api_key is unset, so existing shell setups keep working.
func (m *Manager) applyEnvOverrides() {
	if m.config.LLM.APIKey != "" {
		return
	}
	switch m.config.LLM.Provider {
	case "anthropic":
		m.config.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		m.config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (m *Manager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_min", d.Server.RateLimitPerMin)

	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("llm.provider", d.LLM.Provider)
	m.viper.SetDefault("llm.api_key", d.LLM.APIKey)
	m.viper.SetDefault("llm.model", d.LLM.Model)
	m.viper.SetDefault("llm.base_url", d.LLM.BaseURL)
	m.viper.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSeconds)
	m.viper.SetDefault("llm.max_tokens", d.LLM.MaxTokens)

	m.viper.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	m.viper.SetDefault("loop.parse_failure_policy", d.Loop.ParseFailurePolicy)
	m.viper.SetDefault("loop.llm_max_retries", d.Loop.LLMMaxRetries)
	m.viper.SetDefault("loop.llm_retry_backoff_ms", d.Loop.LLMRetryBackoffMS)

	m.viper.SetDefault("worker.count", d.Worker.Count)
	m.viper.SetDefault("worker.poll_interval_seconds", d.Worker.PollIntervalSeconds)
	m.viper.SetDefault("worker.lease_minutes", d.Worker.LeaseMinutes)
	m.viper.SetDefault("worker.reclaim_interval_seconds", d.Worker.ReclaimIntervalSeconds)

	m.viper.SetDefault("poller.enabled", d.Poller.Enabled)
	m.viper.SetDefault("poller.interval_seconds", d.Poller.IntervalSeconds)
	m.viper.SetDefault("poller.check_timeout_seconds", d.Poller.CheckTimeoutSeconds)

	m.viper.SetDefault("executor.mode", d.Executor.Mode)
	m.viper.SetDefault("executor.allowed_commands", d.Executor.AllowedCommands)
	m.viper.SetDefault("executor.timeout_seconds", d.Executor.TimeoutSeconds)

	m.viper.SetDefault("delivery.replay_buffer_size", d.Delivery.ReplayBufferSize)
	m.viper.SetDefault("delivery.subscriber_buffer_size", d.Delivery.SubscriberBufferSize)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)
}
