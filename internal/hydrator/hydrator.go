package hydrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

// Hydrator assembles the read-only context bundle a run consults. It is
// strictly best-effort: any lookup failure degrades to a smaller (possibly
// empty) bundle and never blocks or fails the run.
type Hydrator interface {
	Hydrate(ctx context.Context, inc *model.Incident) model.ContextBundle
}

type storeHydrator struct {
	store      store.Store
	logger     *zap.Logger
	maxCommits int
}

var _ Hydrator = (*storeHydrator)(nil)

// New builds a hydrator backed by the agent's store.
func New(st store.Store, logger *zap.Logger) Hydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &storeHydrator{store: st, logger: logger, maxCommits: 5}
}

func (h *storeHydrator) Hydrate(ctx context.Context, inc *model.Incident) model.ContextBundle {
	bundle := model.ContextBundle{IncidentID: inc.ID}

	if window := h.logWindow(inc); window != nil {
		bundle.LogWindows = append(bundle.LogWindows, *window)
	}
	if snippet := h.slackSnippet(inc); snippet != nil {
		bundle.SlackSnippets = append(bundle.SlackSnippets, *snippet)
	}
	bundle.CommitSummaries = h.recentCommits(ctx, inc)

	return bundle
}

// logWindow recovers the raw log payload the signal carried, if any.
func (h *storeHydrator) logWindow(inc *model.Incident) *model.LogWindow {
	if inc.SignalType != model.SignalLog {
		return nil
	}
	raw, ok := inc.Metadata["log_lines"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	window := &model.LogWindow{SourceID: inc.SourceRef, Lines: lines, To: inc.CreatedAt}
	if level, ok := inc.Metadata["log_level"].(string); ok {
		window.Level = level
	}
	return window
}

// slackSnippet recovers the relayed Slack message for slack-signal incidents.
func (h *storeHydrator) slackSnippet(inc *model.Incident) *model.SlackSnippet {
	if inc.SignalType != model.SignalSlack {
		return nil
	}
	text, ok := inc.Metadata["slack_text"].(string)
	if !ok || text == "" {
		return nil
	}
	snippet := &model.SlackSnippet{Text: text, PostedAt: inc.CreatedAt}
	if ch, ok := inc.Metadata["slack_channel"].(string); ok {
		snippet.ChannelID = ch
	}
	if user, ok := inc.Metadata["slack_user"].(string); ok {
		snippet.User = user
	}
	return snippet
}

// recentCommits pulls push events recorded for the incident's repo. Store
// failure degrades to no commits.
func (h *storeHydrator) recentCommits(ctx context.Context, inc *model.Incident) []model.CommitSummary {
	if inc.RepoID == "" {
		return nil
	}

	events, err := h.store.ListWebhookEvents(ctx, 50)
	if err != nil {
		h.logger.Warn("context hydration degraded, webhook lookup failed",
			zap.String("incident_id", inc.ID),
			zap.Error(err))
		return nil
	}

	var commits []model.CommitSummary
	for _, ev := range events {
		if ev.RepoID != inc.RepoID || ev.Event != "push" {
			continue
		}
		commits = append(commits, commitsFromPayload(ev.Payload, ev.ReceivedAt)...)
		if len(commits) >= h.maxCommits {
			commits = commits[:h.maxCommits]
			break
		}
	}
	return commits
}

func commitsFromPayload(payload map[string]any, receivedAt time.Time) []model.CommitSummary {
	raw, ok := payload["commits"].([]any)
	if !ok {
		return nil
	}
	var out []model.CommitSummary
	for _, c := range raw {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		summary := model.CommitSummary{PushedAt: receivedAt}
		if sha, ok := cm["id"].(string); ok {
			summary.SHA = sha
		}
		if msg, ok := cm["message"].(string); ok {
			summary.Message = msg
		}
		if author, ok := cm["author"].(map[string]any); ok {
			if name, ok := author["name"].(string); ok {
				summary.Author = name
			}
		}
		if summary.SHA == "" && summary.Message == "" {
			continue
		}
		out = append(out, summary)
	}
	return out
}

// Describe renders a short human summary of a bundle for audit events.
func Describe(b model.ContextBundle) string {
	return fmt.Sprintf("%d log windows, %d slack snippets, %d commits",
		len(b.LogWindows), len(b.SlackSnippets), len(b.CommitSummaries))
}
