package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/metrics"
	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// createIncident persists a normalized incident and emits the audit and
// metric events every ingestion path shares.
func (s *Server) createIncident(w http.ResponseWriter, r *http.Request, inc *model.Incident) {
	inc.ID = uuid.NewString()
	inc.Status = model.StatusQueued
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if inc.Metadata == nil {
		inc.Metadata = map[string]any{}
	}
	if err := inc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateIncident(r.Context(), inc); err != nil {
		s.logger.Error("incident creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create incident")
		return
	}

	metrics.IncidentsCreated.WithLabelValues(string(inc.SignalType), string(inc.Severity)).Inc()
	s.auditLog.Log(audit.NewEvent(audit.EventIncidentCreated).
		WithIncident(inc.ID).
		WithDescription(inc.Title).
		WithMetadata("signal_type", string(inc.SignalType)).
		WithResult(audit.ResultSuccess))
	s.logger.Info("incident created",
		zap.String("incident_id", inc.ID),
		zap.String("signal_type", string(inc.SignalType)),
		zap.String("severity", string(inc.Severity)))

	writeJSON(w, http.StatusCreated, inc)
}

// manualIssueRequest is the manual report form payload.
type manualIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	RepoID      string `json:"repo_id,omitempty"`
}

func (s *Server) handleManualIssue(w http.ResponseWriter, r *http.Request) {
	var req manualIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Severity == "" {
		req.Severity = string(model.SeverityMedium)
	}
	s.createIncident(w, r, &model.Incident{
		SignalType:  model.SignalManual,
		Title:       req.Title,
		Description: req.Description,
		RepoID:      req.RepoID,
		Severity:    model.Severity(req.Severity),
	})
}

// logSignalRequest is the log-alert webhook payload.
type logSignalRequest struct {
	Source  string   `json:"source"`
	Level   string   `json:"level"`
	Message string   `json:"message"`
	Lines   []string `json:"lines,omitempty"`
	RepoID  string   `json:"repo_id,omitempty"`
}

func (s *Server) handleLogSignal(w http.ResponseWriter, r *http.Request) {
	var req logSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" && len(req.Lines) > 0 {
		req.Message = req.Lines[0]
	}

	lines := make([]any, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, l)
	}
	s.createIncident(w, r, &model.Incident{
		SignalType:  model.SignalLog,
		Title:       truncate(req.Message, 120),
		Description: strings.Join(req.Lines, "\n"),
		RepoID:      req.RepoID,
		Severity:    model.LogLevelSeverity(req.Level),
		SourceRef:   req.Source,
		Metadata: map[string]any{
			"log_level": req.Level,
			"log_lines": lines,
		},
	})
}

// slackSignalRequest is the relayed Slack message payload.
type slackSignalRequest struct {
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	RepoID    string `json:"repo_id,omitempty"`
}

func (s *Server) handleSlackSignal(w http.ResponseWriter, r *http.Request) {
	var req slackSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.createIncident(w, r, &model.Incident{
		SignalType:  model.SignalSlack,
		Title:       truncate(req.Text, 120),
		Description: req.Text,
		RepoID:      req.RepoID,
		Severity:    model.SeverityMedium,
		SourceRef:   req.ChannelID,
		Metadata: map[string]any{
			"slack_team":    req.TeamID,
			"slack_channel": req.ChannelID,
			"slack_user":    req.User,
			"slack_text":    req.Text,
		},
	})
}

func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if event == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	repoID := repoIDFromPayload(payload)
	if err := s.store.RecordWebhookEvent(r.Context(), &store.WebhookEvent{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Event:      event,
		RepoID:     repoID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Error("webhook record failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record webhook")
		return
	}
	s.auditLog.Log(audit.NewEvent(audit.EventSignalReceived).
		WithDescription("github "+event).
		WithMetadata("delivery_id", deliveryID).
		WithResult(audit.ResultSuccess))

	// Only opened issues become incidents; pushes are recorded for the
	// context hydrator.
	if event == "issues" && payload["action"] == "opened" {
		title, body := issueFromPayload(payload)
		s.createIncident(w, r, &model.Incident{
			SignalType:  model.SignalGithub,
			Title:       truncate(title, 120),
			Description: body,
			RepoID:      repoID,
			Severity:    model.SeverityMedium,
			SourceRef:   deliveryID,
			Metadata:    map[string]any{"github_event": event},
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func repoIDFromPayload(payload map[string]any) string {
	repo, ok := payload["repository"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := repo["full_name"].(string)
	return name
}

func issueFromPayload(payload map[string]any) (string, string) {
	issue, ok := payload["issue"].(map[string]any)
	if !ok {
		return "github issue", ""
	}
	title, _ := issue["title"].(string)
	body, _ := issue["body"].(string)
	if title == "" {
		title = "github issue"
	}
	return title, body
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	incidents, err := s.store.ListIncidents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentContext(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.hydrator.Hydrate(r.Context(), inc))
}

// handleTransitions is the poll half of the delivery channel: replays
// retained transitions with seq greater than the after parameter.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	after := uint64(queryInt(r, "after", 0))
	transitions := s.hub.Replay(inc.ID, after)
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions, "count": len(transitions)})
}

// handleRetryIncident clears the needs_review flag so workers pick the
// incident up again. Only escalated (queued + flagged) incidents qualify.
func (s *Server) handleRetryIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	if inc.Status == model.StatusResolved {
		writeError(w, http.StatusConflict, "incident is already resolved")
		return
	}
	if inc.Status == model.StatusProcessing {
		writeError(w, http.StatusConflict, "incident is currently processing")
		return
	}
	if !inc.NeedsReview() {
		writeError(w, http.StatusConflict, "incident is already queued for processing")
		return
	}

	meta := map[string]any{
		model.MetaNeedsReview: false,
		"retried_at":          time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.AppendRunMetadata(r.Context(), inc.ID, meta); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue incident")
		return
	}
	s.auditLog.Log(audit.NewEvent(audit.EventRunRequeued).
		WithIncident(inc.ID).
		WithDescription("manual retry cleared review flag").
		WithResult(audit.ResultSuccess))
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) loadIncident(w http.ResponseWriter, r *http.Request) (*model.Incident, bool) {
	id := r.PathValue("id")
	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "incident not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load incident")
		}
		return nil, false
	}
	return inc, true
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var repo model.Repo
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if repo.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	repo.CreatedAt = time.Now().UTC()
	repo.UpdatedAt = repo.CreatedAt
	if err := s.store.CreateRepo(r.Context(), &repo); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create repo")
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list repos")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos, "count": len(repos)})
}

func (s *Server) handleCreateLogSource(w http.ResponseWriter, r *http.Request) {
	var src model.LogSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if src.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	src.CreatedAt = time.Now().UTC()
	src.UpdatedAt = src.CreatedAt
	if err := s.store.CreateLogSource(r.Context(), &src); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create log source")
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleListLogSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListLogSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list log sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_sources": sources, "count": len(sources)})
}

func (s *Server) handleCreateSlackChannel(w http.ResponseWriter, r *http.Request) {
	var ch model.SlackChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ch.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = time.Now().UTC()
	ch.UpdatedAt = ch.CreatedAt
	if err := s.store.CreateSlackChannel(r.Context(), &ch); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create slack channel")
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleListSlackChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListSlackChannels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list slack channels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slack_channels": channels, "count": len(channels)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled signal"
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
