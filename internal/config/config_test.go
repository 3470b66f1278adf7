package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Server.RateLimitPerMin)

	// LLM defaults
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 60, cfg.LLM.TimeoutSeconds)

	// Loop defaults
	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	assert.Equal(t, "retry", cfg.Loop.ParseFailurePolicy)
	assert.Equal(t, 2, cfg.Loop.LLMMaxRetries)

	// Worker defaults
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 10, cfg.Worker.LeaseMinutes)

	// Executor defaults
	assert.Equal(t, "recorder", cfg.Executor.Mode)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Logging.AuditLogPath)
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.Empty(t, DefaultConfig().Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		errorMsg string
	}{
		{
			name:     "invalid port - too low",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 0 },
			errorMsg: "server.port",
		},
		{
			name:     "invalid port - too high",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 70000 },
			errorMsg: "server.port",
		},
		{
			name:     "missing sqlite path",
			modifyFn: func(cfg *Config) { cfg.Database.SQLitePath = "" },
			errorMsg: "database.sqlite_path",
		},
		{
			name:     "invalid LLM provider",
			modifyFn: func(cfg *Config) { cfg.LLM.Provider = "bard" },
			errorMsg: "llm.provider",
		},
		{
			name:     "custom provider requires base url",
			modifyFn: func(cfg *Config) { cfg.LLM.Provider = "custom" },
			errorMsg: "llm.base_url",
		},
		{
			name:     "zero max iterations",
			modifyFn: func(cfg *Config) { cfg.Loop.MaxIterations = 0 },
			errorMsg: "loop.max_iterations",
		},
		{
			name:     "unknown parse failure policy",
			modifyFn: func(cfg *Config) { cfg.Loop.ParseFailurePolicy = "panic" },
			errorMsg: "loop.parse_failure_policy",
		},
		{
			name:     "zero workers",
			modifyFn: func(cfg *Config) { cfg.Worker.Count = 0 },
			errorMsg: "worker.count",
		},
		{
			name:     "command mode without allow list",
			modifyFn: func(cfg *Config) { cfg.Executor.Mode = "command" },
			errorMsg: "executor.allowed_commands",
		},
		{
			name:     "unknown executor mode",
			modifyFn: func(cfg *Config) { cfg.Executor.Mode = "yolo" },
			errorMsg: "executor.mode",
		},
		{
			name:     "unknown log level",
			modifyFn: func(cfg *Config) { cfg.Logging.Level = "verbose" },
			errorMsg: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected an error mentioning %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestManagerLoadDefaults(t *testing.T) {
	m := NewManager("")
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "recorder", cfg.Executor.Mode)
}

func TestManagerLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinelld.yaml")
	content := []byte(`
server:
  port: 9999
loop:
  max_iterations: 3
  parse_failure_policy: abort
executor:
  mode: command
  allowed_commands:
    - systemctl
    - kubectl
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, "abort", cfg.Loop.ParseFailurePolicy)
	assert.Equal(t, "command", cfg.Executor.Mode)
	assert.Equal(t, []string{"systemctl", "kubectl"}, cfg.Executor.AllowedCommands)

	// Unset keys keep their defaults.
	assert.Equal(t, 2, cfg.Worker.Count)
}

func TestManagerMissingFileFallsBackToDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestManagerEnvOverrides(t *testing.T) {
	t.Setenv("SENTINELL_SERVER_PORT", "7070")
	t.Setenv("SENTINELL_LLM_PROVIDER", "stub")

	m := NewManager("")
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "stub", cfg.LLM.Provider)
}

func TestManagerProviderKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	m := NewManager("")
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.LLM.APIKey)
}

func TestManagerLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_iterations: 0\n"), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop.max_iterations")
}

func TestManagerWatchEmitsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)

	updates := m.Watch()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9200\n"), 0o644))

	select {
	case next := <-updates:
		assert.Equal(t, 9200, next.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no config update observed after file change")
	}
}

func TestManagerWatchDropsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Watch()

	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_iterations: 0\n"), 0o644))

	select {
	case next := <-updates:
		t.Fatalf("invalid update must be dropped, got %+v", next.Loop)
	case <-time.After(time.Second):
	}
}

func TestManagerWatchWithoutFileStaysSilent(t *testing.T) {
	m := NewManager("")
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Watch()
	select {
	case <-updates:
		t.Fatal("nothing to watch, channel must stay silent")
	case <-time.After(100 * time.Millisecond):
	}
}
