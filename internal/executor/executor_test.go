package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/config"
)

func TestNewSelectsMode(t *testing.T) {
	ex, err := New(config.Executor{Mode: "recorder"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ex.Mode() != "recorder" {
		t.Errorf("Expected recorder mode, got %s", ex.Mode())
	}

	ex, err = New(config.Executor{Mode: "command", AllowedCommands: []string{"echo"}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ex.Mode() != "command" {
		t.Errorf("Expected command mode, got %s", ex.Mode())
	}

	if _, err := New(config.Executor{Mode: "yolo"}, nil); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestRecorderAlwaysSucceeds(t *testing.T) {
	rec := NewRecorder(zap.NewNop())
	res := rec.Execute(context.Background(), "restart the api deployment")
	if !res.Success {
		t.Error("Recorder should always succeed")
	}
	if res.Detail == "" {
		t.Error("Recorder should explain what happened")
	}
}

func TestCommandRunnerAllowList(t *testing.T) {
	runner := NewCommandRunner([]string{"echo"}, time.Second, zap.NewNop())

	res := runner.Execute(context.Background(), "rm -rf /tmp/something")
	if res.Success {
		t.Error("Disallowed command should fail")
	}
	if !strings.Contains(res.Detail, "allow-list") {
		t.Errorf("Detail should name the allow-list, got %q", res.Detail)
	}
}

func TestCommandRunnerEmptyAction(t *testing.T) {
	runner := NewCommandRunner([]string{"echo"}, time.Second, zap.NewNop())
	res := runner.Execute(context.Background(), "   ")
	if res.Success {
		t.Error("Empty action should fail")
	}
}

func TestCommandRunnerExecutes(t *testing.T) {
	runner := NewCommandRunner([]string{"echo"}, 5*time.Second, zap.NewNop())
	res := runner.Execute(context.Background(), "echo hello")
	if !res.Success {
		t.Fatalf("echo should succeed: %s", res.Detail)
	}
	if !strings.Contains(res.Detail, "hello") {
		t.Errorf("Detail should carry stdout, got %q", res.Detail)
	}
}

func TestCommandRunnerCapturesFailure(t *testing.T) {
	runner := NewCommandRunner([]string{"false"}, 5*time.Second, zap.NewNop())
	res := runner.Execute(context.Background(), "false")
	if res.Success {
		t.Error("Failing command should report failure")
	}
}

func TestCommandRunnerTimeout(t *testing.T) {
	runner := NewCommandRunner([]string{"sleep"}, 50*time.Millisecond, zap.NewNop())
	res := runner.Execute(context.Background(), "sleep 5")
	if res.Success {
		t.Error("Timed-out command should report failure")
	}
	if !strings.Contains(res.Detail, "timed out") {
		t.Errorf("Detail should mention the timeout, got %q", res.Detail)
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("Expected last 3 bytes, got %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Errorf("Short input should pass through, got %q", got)
	}
}
