package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/metrics"
)

// Result is the outcome of executing one remediation action.
type Result struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// Executor carries out a proposed remediation action. Execution failure
// is reported in the Result, never as an error: the loop records the
// failure and keeps iterating.
type Executor interface {
	Execute(ctx context.Context, action string) Result
	Mode() string
}

// New builds the executor for the configured mode.
func New(cfg config.Executor, logger *zap.Logger) (Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "recorder", "":
		return NewRecorder(logger), nil
	case "command":
		return NewCommandRunner(cfg.AllowedCommands, time.Duration(cfg.TimeoutSeconds)*time.Second, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
	}
}

// Recorder acknowledges actions without performing them. Default mode:
// the agent proposes, a human carries out.
type Recorder struct {
	logger *zap.Logger
}

var _ Executor = (*Recorder)(nil)

func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger}
}

func (r *Recorder) Mode() string { return "recorder" }

func (r *Recorder) Execute(_ context.Context, action string) Result {
	r.logger.Info("action recorded for operator follow-up", zap.String("action", action))
	metrics.ActionsExecuted.WithLabelValues("recorder", "success").Inc()
	return Result{Success: true, Detail: "recorded for operator follow-up"}
}

// CommandRunner executes actions that are shell commands, restricted to
// an allow-list of binaries.
type CommandRunner struct {
	allowed map[string]bool
	timeout time.Duration
	logger  *zap.Logger
}

var _ Executor = (*CommandRunner)(nil)

func NewCommandRunner(allowedCommands []string, timeout time.Duration, logger *zap.Logger) *CommandRunner {
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandRunner{allowed: allowed, timeout: timeout, logger: logger}
}

func (c *CommandRunner) Mode() string { return "command" }

func (c *CommandRunner) Execute(ctx context.Context, action string) Result {
	fields := strings.Fields(action)
	if len(fields) == 0 {
		return c.fail("empty action")
	}
	if !c.allowed[fields[0]] {
		return c.fail(fmt.Sprintf("command %q is not in the allow-list", fields[0]))
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Info("executing remediation command", zap.String("command", action))
	err := cmd.Run()

	detail := tail(stdout.String(), 2000)
	if errOut := tail(stderr.String(), 2000); errOut != "" {
		detail += "\nstderr: " + errOut
	}
	detail = strings.TrimSpace(detail)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return c.fail(fmt.Sprintf("command timed out after %s", c.timeout))
		}
		if detail == "" {
			detail = err.Error()
		} else {
			detail = fmt.Sprintf("%v: %s", err, detail)
		}
		return c.fail(detail)
	}

	if detail == "" {
		detail = "command completed"
	}
	metrics.ActionsExecuted.WithLabelValues("command", "success").Inc()
	return Result{Success: true, Detail: detail}
}

func (c *CommandRunner) fail(detail string) Result {
	c.logger.Warn("remediation command failed", zap.String("detail", detail))
	metrics.ActionsExecuted.WithLabelValues("command", "failure").Inc()
	return Result{Success: false, Detail: detail}
}

// tail keeps the last n bytes of s so huge command output cannot bloat
// incident metadata.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
