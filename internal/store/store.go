package store

import (
	"context"
	"errors"
	"time"

	"github.com/sentinell/sentinell/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLockConflict is returned when a worker tries to claim an incident that is
// already owned by another run. The caller must abort without mutating the
// incident and must not retry automatically.
var ErrLockConflict = errors.New("incident already claimed by another worker")

// Store is the persistence boundary for the agent. The loop controller never
// talks to a database directly; it goes through this interface so storage
// technology stays swappable.
type Store interface {
	IncidentStore
	RepoStore
	LogSourceStore
	SlackChannelStore
	WebhookEventStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// IncidentStore persists incidents and their lifecycle.
type IncidentStore interface {
	// CreateIncident inserts a new incident with status queued.
	CreateIncident(ctx context.Context, inc *model.Incident) error

	// GetIncident fetches one incident by ID. Returns ErrNotFound.
	GetIncident(ctx context.Context, id string) (*model.Incident, error)

	// ListIncidents returns incidents newest-first.
	ListIncidents(ctx context.Context, limit, offset int) ([]*model.Incident, error)

	// ClaimNextQueued atomically flips the oldest claimable queued incident to
	// processing and stamps a lease expiring after leaseFor. Incidents flagged
	// needs_review are skipped; they wait for a human. Returns nil, nil when
	// the queue is empty and ErrLockConflict when another worker claims the
	// candidate first.
	ClaimNextQueued(ctx context.Context, leaseFor time.Duration) (*model.Incident, error)

	// ClaimIncident claims one specific queued incident for a run. Returns
	// ErrLockConflict if it is already processing, ErrNotFound if absent.
	ClaimIncident(ctx context.Context, id string, leaseFor time.Duration) (*model.Incident, error)

	// ExtendLease pushes the processing lease forward for a long-running run.
	ExtendLease(ctx context.Context, id string, leaseFor time.Duration) error

	// UpdateIncidentStatus applies a lifecycle transition and merges the given
	// metadata entries into the incident's metadata map. Illegal transitions
	// (anything out of resolved) are rejected.
	UpdateIncidentStatus(ctx context.Context, id string, status model.Status, meta map[string]any) error

	// AppendRunMetadata merges loop-local additions (actions trail, iteration
	// count) into the incident metadata without touching status. Called after
	// every committed stage so a crash never loses the audit trail.
	AppendRunMetadata(ctx context.Context, id string, meta map[string]any) error

	// RequeueIncident is the explicit processing → queued retry path.
	RequeueIncident(ctx context.Context, id string, meta map[string]any) error

	// ReclaimExpiredLeases requeues processing incidents whose lease expired
	// (worker crash), marking the reclaim in metadata. Returns reclaimed IDs.
	ReclaimExpiredLeases(ctx context.Context) ([]string, error)
}

// RepoStore registers monitored repositories.
type RepoStore interface {
	CreateRepo(ctx context.Context, repo *model.Repo) error
	GetRepo(ctx context.Context, id string) (*model.Repo, error)
	ListRepos(ctx context.Context) ([]*model.Repo, error)
	UpdateRepoMetadata(ctx context.Context, id string, meta map[string]any) error
}

// LogSourceStore registers external log pipelines.
type LogSourceStore interface {
	CreateLogSource(ctx context.Context, src *model.LogSource) error
	ListLogSources(ctx context.Context) ([]*model.LogSource, error)
}

// SlackChannelStore registers relayed Slack channels.
type SlackChannelStore interface {
	CreateSlackChannel(ctx context.Context, ch *model.SlackChannel) error
	ListSlackChannels(ctx context.Context) ([]*model.SlackChannel, error)
}

// WebhookEvent is a recorded GitHub webhook delivery.
type WebhookEvent struct {
	ID         string         `json:"id"`
	DeliveryID string         `json:"delivery_id"`
	Event      string         `json:"event"`
	RepoID     string         `json:"repo_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
}

// WebhookEventStore records raw webhook deliveries for audit and replay.
type WebhookEventStore interface {
	RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error)
}
