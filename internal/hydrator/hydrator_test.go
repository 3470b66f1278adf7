package hydrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

// fakeWebhookStore implements only the webhook lookup the hydrator uses.
type fakeWebhookStore struct {
	store.Store
	events []*store.WebhookEvent
	err    error
}

func (f *fakeWebhookStore) ListWebhookEvents(_ context.Context, _ int) ([]*store.WebhookEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func TestHydrateLogIncident(t *testing.T) {
	h := New(&fakeWebhookStore{}, nil)

	inc := &model.Incident{
		ID:         "inc-1",
		SignalType: model.SignalLog,
		SourceRef:  "payments-prod",
		Metadata: map[string]any{
			"log_lines": []any{"ERROR connection refused", "ERROR retry exhausted"},
			"log_level": "error",
		},
	}

	bundle := h.Hydrate(context.Background(), inc)
	if len(bundle.LogWindows) != 1 {
		t.Fatalf("Expected 1 log window, got %d", len(bundle.LogWindows))
	}
	w := bundle.LogWindows[0]
	if w.SourceID != "payments-prod" || w.Level != "error" || len(w.Lines) != 2 {
		t.Errorf("Unexpected window: %+v", w)
	}
}

func TestHydrateSlackIncident(t *testing.T) {
	h := New(&fakeWebhookStore{}, nil)

	inc := &model.Incident{
		ID:         "inc-2",
		SignalType: model.SignalSlack,
		Metadata: map[string]any{
			"slack_text":    "checkout is down for EU users",
			"slack_channel": "C042",
			"slack_user":    "oncall",
		},
	}

	bundle := h.Hydrate(context.Background(), inc)
	if len(bundle.SlackSnippets) != 1 {
		t.Fatalf("Expected 1 slack snippet, got %d", len(bundle.SlackSnippets))
	}
	s := bundle.SlackSnippets[0]
	if s.Text != "checkout is down for EU users" || s.ChannelID != "C042" || s.User != "oncall" {
		t.Errorf("Unexpected snippet: %+v", s)
	}
}

func TestHydrateCommitsFromPushEvents(t *testing.T) {
	events := []*store.WebhookEvent{
		{
			RepoID:     "repo-1",
			Event:      "push",
			ReceivedAt: time.Now(),
			Payload: map[string]any{
				"commits": []any{
					map[string]any{
						"id":      "abc123",
						"message": "bump connection pool size",
						"author":  map[string]any{"name": "dev"},
					},
				},
			},
		},
		{RepoID: "repo-2", Event: "push", Payload: map[string]any{}},
		{RepoID: "repo-1", Event: "issues", Payload: map[string]any{}},
	}
	h := New(&fakeWebhookStore{events: events}, nil)

	bundle := h.Hydrate(context.Background(), &model.Incident{ID: "inc-3", SignalType: model.SignalManual, RepoID: "repo-1"})
	if len(bundle.CommitSummaries) != 1 {
		t.Fatalf("Expected 1 commit, got %d", len(bundle.CommitSummaries))
	}
	c := bundle.CommitSummaries[0]
	if c.SHA != "abc123" || c.Author != "dev" {
		t.Errorf("Unexpected commit: %+v", c)
	}
}

func TestHydrateDegradesToEmptyBundle(t *testing.T) {
	h := New(&fakeWebhookStore{err: errors.New("db locked")}, nil)

	inc := &model.Incident{ID: "inc-4", SignalType: model.SignalManual, RepoID: "repo-1", Metadata: map[string]any{}}
	bundle := h.Hydrate(context.Background(), inc)
	if !bundle.Empty() {
		t.Error("Store failure must degrade to an empty bundle")
	}
	if bundle.IncidentID != "inc-4" {
		t.Error("Bundle should still identify the incident")
	}
}

func TestHydrateManualIncidentWithoutRepo(t *testing.T) {
	h := New(&fakeWebhookStore{}, nil)
	bundle := h.Hydrate(context.Background(), &model.Incident{ID: "inc-5", SignalType: model.SignalManual, Metadata: map[string]any{}})
	if !bundle.Empty() {
		t.Error("Nothing to hydrate should produce an empty bundle")
	}
}
