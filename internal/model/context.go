package model

import "time"

// LogWindow is a bounded slice of log lines around an event of interest.
type LogWindow struct {
	SourceID string    `json:"source_id,omitempty"`
	Level    string    `json:"level,omitempty"`
	Lines    []string  `json:"lines"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// SlackSnippet is a relayed Slack message related to an incident.
type SlackSnippet struct {
	ChannelID string    `json:"channel_id"`
	User      string    `json:"user,omitempty"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"posted_at"`
}

// CommitSummary describes a recent commit on a monitored repository.
type CommitSummary struct {
	SHA      string    `json:"sha"`
	Author   string    `json:"author,omitempty"`
	Message  string    `json:"message"`
	PushedAt time.Time `json:"pushed_at"`
}

// ContextBundle is the read-only context assembled for one incident: recent
// log windows, related Slack snippets, and recent commits. Consumed, never
// mutated, by the loop controller.
type ContextBundle struct {
	IncidentID      string          `json:"incident_id"`
	LogWindows      []LogWindow     `json:"log_windows"`
	SlackSnippets   []SlackSnippet  `json:"slack_snippets"`
	CommitSummaries []CommitSummary `json:"commit_summaries"`
}

// Empty reports whether the bundle carries no context at all, which is the
// degraded-but-valid shape produced when hydration fails.
func (b ContextBundle) Empty() bool {
	return len(b.LogWindows) == 0 && len(b.SlackSnippets) == 0 && len(b.CommitSummaries) == 0
}

// Repo is a registered monitored repository.
type Repo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	RepoURL       string         `json:"repo_url"`
	DefaultBranch string         `json:"default_branch"`
	Description   string         `json:"description,omitempty"`
	CheckCommand  string         `json:"check_command,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LogSource is a registered external log pipeline that may emit signals.
type LogSource struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RepoID     string    `json:"repo_id,omitempty"`
	SourceType string    `json:"source_type"`
	Endpoint   string    `json:"endpoint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SlackChannel is a registered Slack channel relaying messages as signals.
type SlackChannel struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	RepoID      string    `json:"repo_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
