package poller

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

// RunCheck executes a health-check command and reports whether it passed,
// along with a bounded tail of its combined output.
func RunCheck(ctx context.Context, command string, timeout time.Duration) (bool, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false, "empty check command"
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	output := tail(string(out), 2000)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return false, "check timed out: " + output
		}
		if output == "" {
			output = err.Error()
		}
		return false, output
	}
	return true, output
}

// RepoHealth adapts repository check commands into the loop's evaluation
// short-circuit: a passing check resolves the incident without a model call.
type RepoHealth struct {
	store   store.Store
	logger  *zap.Logger
	timeout time.Duration
}

// NewRepoHealth builds the health probe used by the loop controller.
func NewRepoHealth(st store.Store, logger *zap.Logger, timeout time.Duration) *RepoHealth {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RepoHealth{store: st, logger: logger, timeout: timeout}
}

// Check reports (passing, available). Incidents without a repo, or repos
// without a check command, have no probe: the model decides alone.
func (r *RepoHealth) Check(ctx context.Context, inc *model.Incident) (bool, bool) {
	if inc.RepoID == "" {
		return false, false
	}
	repo, err := r.store.GetRepo(ctx, inc.RepoID)
	if err != nil || repo.CheckCommand == "" {
		return false, false
	}

	passing, output := RunCheck(ctx, repo.CheckCommand, r.timeout)
	r.logger.Debug("evaluation health check",
		zap.String("incident_id", inc.ID),
		zap.String("repo", repo.Name),
		zap.Bool("passing", passing),
		zap.String("output", output))
	return passing, true
}
