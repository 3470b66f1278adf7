package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/metrics"
	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

// Poller periodically runs each registered repository's health-check
// command and raises a log-signal incident when a check starts failing.
// One incident per failure episode: no new incident until the check has
// recovered in between.
type Poller struct {
	store    store.Store
	auditLog audit.Logger
	logger   *zap.Logger
	cfg      config.Poller

	// failing tracks which repos currently have an open failure episode.
	failing map[string]bool
}

// New builds a health-check poller.
func New(st store.Store, auditLog audit.Logger, logger *zap.Logger, cfg config.Poller) *Poller {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 300
	}
	if cfg.CheckTimeoutSeconds <= 0 {
		cfg.CheckTimeoutSeconds = 30
	}
	return &Poller{
		store:    st,
		auditLog: auditLog,
		logger:   logger,
		cfg:      cfg,
		failing:  make(map[string]bool),
	}
}

// Start runs the check cycle until ctx is canceled. Blocks.
func (p *Poller) Start(ctx context.Context) error {
	interval := time.Duration(p.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("health poller started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.RunChecks(ctx)
		}
	}
}

// RunChecks executes one full pass over registered repos. Exported so
// tests and the startup path can trigger a pass directly.
func (p *Poller) RunChecks(ctx context.Context) {
	repos, err := p.store.ListRepos(ctx)
	if err != nil {
		p.logger.Error("health poll failed to list repos", zap.Error(err))
		return
	}

	timeout := time.Duration(p.cfg.CheckTimeoutSeconds) * time.Second
	for _, repo := range repos {
		if repo.CheckCommand == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		passing, output := RunCheck(ctx, repo.CheckCommand, timeout)
		p.stampResult(ctx, repo.ID, passing)
		if passing {
			if p.failing[repo.ID] {
				p.logger.Info("repo health recovered", zap.String("repo", repo.Name))
			}
			p.failing[repo.ID] = false
			continue
		}

		if p.failing[repo.ID] {
			// Still inside the same failure episode.
			continue
		}
		p.failing[repo.ID] = true
		p.raiseIncident(ctx, repo, output)
	}
}

// stampResult records the latest check outcome on the repo itself.
func (p *Poller) stampResult(ctx context.Context, repoID string, passing bool) {
	err := p.store.UpdateRepoMetadata(ctx, repoID, map[string]any{
		"last_check_at":      time.Now().UTC().Format(time.RFC3339),
		"last_check_passing": passing,
	})
	if err != nil {
		p.logger.Warn("failed to stamp check result", zap.String("repo_id", repoID), zap.Error(err))
	}
}

func (p *Poller) raiseIncident(ctx context.Context, repo *model.Repo, output string) {
	output = tail(output, 2000)
	now := time.Now().UTC()
	inc := &model.Incident{
		ID:          uuid.NewString(),
		SignalType:  model.SignalLog,
		Title:       fmt.Sprintf("health check failing for %s", repo.Name),
		Description: fmt.Sprintf("check command %q failed:\n%s", repo.CheckCommand, output),
		RepoID:      repo.ID,
		Severity:    model.SeverityHigh,
		Status:      model.StatusQueued,
		Metadata: map[string]any{
			"check_command": repo.CheckCommand,
			"check_output":  output,
			"raised_by":     "health_poller",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.store.CreateIncident(ctx, inc); err != nil {
		p.logger.Error("failed to raise health incident",
			zap.String("repo", repo.Name),
			zap.Error(err))
		return
	}

	metrics.IncidentsCreated.WithLabelValues(string(model.SignalLog), string(model.SeverityHigh)).Inc()
	p.auditLog.Log(audit.NewEvent(audit.EventIncidentCreated).
		WithIncident(inc.ID).
		WithDescription(inc.Title).
		WithResult(audit.ResultSuccess))
	p.logger.Warn("health incident raised",
		zap.String("repo", repo.Name),
		zap.String("incident_id", inc.ID))
}

// tail keeps the last n bytes of combined check output.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
