package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentinell/sentinell/internal/model"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Schema versions are tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
    id               TEXT PRIMARY KEY,
    signal_type      TEXT NOT NULL,
    title            TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    repo_id          TEXT NOT NULL DEFAULT '',
    severity         TEXT NOT NULL DEFAULT 'medium',
    status           TEXT NOT NULL DEFAULT 'queued',
    source_ref       TEXT NOT NULL DEFAULT '',
    needs_review     INTEGER NOT NULL DEFAULT 0,
    metadata         TEXT NOT NULL DEFAULT '{}',
    lease_expires_at DATETIME,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_status     ON incidents(status, needs_review, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);

CREATE TABLE IF NOT EXISTS repos (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    repo_url       TEXT NOT NULL,
    default_branch TEXT NOT NULL DEFAULT 'main',
    description    TEXT NOT NULL DEFAULT '',
    check_command  TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS log_sources (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    repo_id     TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL DEFAULT 'loki',
    endpoint    TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS slack_channels (
    id           TEXT PRIMARY KEY,
    team_id      TEXT NOT NULL,
    channel_id   TEXT NOT NULL,
    channel_name TEXT NOT NULL DEFAULT '',
    repo_id      TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS webhook_events (
    id          TEXT PRIMARY KEY,
    delivery_id TEXT NOT NULL,
    event       TEXT NOT NULL,
    repo_id     TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL DEFAULT '{}',
    received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

var _ Store = (*sqliteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Each pooled connection to :memory: gets its own database, so pin the
	// pool to a single connection for in-memory stores.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL for better concurrency between the worker pool and the API.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Incidents ────────────────────────────────────────────────────────────────

const incidentColumns = `id, signal_type, title, description, repo_id, severity, status, source_ref, metadata, created_at, updated_at`

func (s *sqliteStore) CreateIncident(ctx context.Context, inc *model.Incident) error {
	if err := inc.Validate(); err != nil {
		return err
	}
	meta, err := marshalMeta(inc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO incidents(id, signal_type, title, description, repo_id, severity, status, source_ref, metadata, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `,
		inc.ID, string(inc.SignalType), inc.Title, inc.Description, inc.RepoID,
		string(inc.Severity), string(inc.Status), inc.SourceRef, meta,
		inc.CreatedAt.UTC(), inc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *sqliteStore) ListIncidents(ctx context.Context, limit, offset int) ([]*model.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimNextQueued(ctx context.Context, leaseFor time.Duration) (*model.Incident, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
        SELECT id FROM incidents
        WHERE status='queued' AND needs_review=0
        ORDER BY created_at ASC, id ASC LIMIT 1
    `).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next queued: %w", err)
	}

	// Another worker can take the candidate between the select and the
	// claim; the conditional update inside ClaimIncident decides the
	// winner and the loser sees ErrLockConflict.
	return s.ClaimIncident(ctx, id, leaseFor)
}

func (s *sqliteStore) ClaimIncident(ctx context.Context, id string, leaseFor time.Duration) (*model.Incident, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE incidents SET status='processing', lease_expires_at=?, updated_at=?
        WHERE id=? AND status='queued'
    `, now.Add(leaseFor), now, id)
	if err != nil {
		return nil, fmt.Errorf("claim incident %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		inc, err := s.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if inc.Status == model.StatusProcessing {
			return nil, ErrLockConflict
		}
		return nil, fmt.Errorf("incident %s is %s, not claimable", id, inc.Status)
	}
	return s.GetIncident(ctx, id)
}

func (s *sqliteStore) ExtendLease(ctx context.Context, id string, leaseFor time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE incidents SET lease_expires_at=?, updated_at=?
        WHERE id=? AND status='processing'
    `, now.Add(leaseFor), now, id)
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateIncidentStatus(ctx context.Context, id string, status model.Status, meta map[string]any) error {
	return s.mutateIncident(ctx, id, func(inc *model.Incident) error {
		if inc.Status != status && !model.CanTransition(inc.Status, status) {
			return fmt.Errorf("illegal status transition %s → %s for incident %s", inc.Status, status, id)
		}
		inc.Status = status
		mergeMeta(inc.Metadata, meta)
		return nil
	})
}

func (s *sqliteStore) AppendRunMetadata(ctx context.Context, id string, meta map[string]any) error {
	return s.mutateIncident(ctx, id, func(inc *model.Incident) error {
		mergeMeta(inc.Metadata, meta)
		return nil
	})
}

func (s *sqliteStore) RequeueIncident(ctx context.Context, id string, meta map[string]any) error {
	return s.mutateIncident(ctx, id, func(inc *model.Incident) error {
		if inc.Status == model.StatusResolved {
			return fmt.Errorf("incident %s is resolved; cannot requeue", id)
		}
		inc.Status = model.StatusQueued
		mergeMeta(inc.Metadata, meta)
		return nil
	})
}

// mutateIncident runs a read-modify-write on one incident inside a
// transaction, keeping the needs_review column in sync with metadata and
// clearing the lease whenever the incident leaves processing.
func (s *sqliteStore) mutateIncident(ctx context.Context, id string, fn func(*model.Incident) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		return err
	}
	if err := fn(inc); err != nil {
		return err
	}

	meta, err := marshalMeta(inc.Metadata)
	if err != nil {
		return err
	}
	needsReview := 0
	if inc.NeedsReview() {
		needsReview = 1
	}
	if inc.Status == model.StatusProcessing {
		// Leave the existing lease untouched for processing incidents.
		_, err = tx.ExecContext(ctx, `
            UPDATE incidents SET status=?, needs_review=?, metadata=?, updated_at=? WHERE id=?
        `, string(inc.Status), needsReview, meta, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, `
            UPDATE incidents SET status=?, needs_review=?, metadata=?, lease_expires_at=NULL, updated_at=? WHERE id=?
        `, string(inc.Status), needsReview, meta, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("update incident %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) ReclaimExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id FROM incidents
        WHERE status='processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
    `, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		err := s.RequeueIncident(ctx, id, map[string]any{
			model.MetaLeaseReclaimed: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return ids, fmt.Errorf("reclaim %s: %w", id, err)
		}
	}
	return ids, nil
}

// ─── Repos ────────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateRepo(ctx context.Context, repo *model.Repo) error {
	meta, err := marshalMeta(repo.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO repos(id, name, repo_url, default_branch, description, check_command, metadata, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?)
    `, repo.ID, repo.Name, repo.RepoURL, repo.DefaultBranch, repo.Description,
		repo.CheckCommand, meta, repo.CreatedAt.UTC(), repo.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetRepo(ctx context.Context, id string) (*model.Repo, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, name, repo_url, default_branch, description, check_command, metadata, created_at, updated_at
        FROM repos WHERE id=?`, id)
	return scanRepo(row)
}

func (s *sqliteStore) ListRepos(ctx context.Context) ([]*model.Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, repo_url, default_branch, description, check_command, metadata, created_at, updated_at
        FROM repos ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()
	var out []*model.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateRepoMetadata(ctx context.Context, id string, meta map[string]any) error {
	repo, err := s.GetRepo(ctx, id)
	if err != nil {
		return err
	}
	mergeMeta(repo.Metadata, meta)
	encoded, err := marshalMeta(repo.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE repos SET metadata=?, updated_at=? WHERE id=?`,
		encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update repo metadata: %w", err)
	}
	return nil
}

// ─── Log sources / Slack channels ─────────────────────────────────────────────

func (s *sqliteStore) CreateLogSource(ctx context.Context, src *model.LogSource) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO log_sources(id, name, repo_id, source_type, endpoint, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?)
    `, src.ID, src.Name, src.RepoID, src.SourceType, src.Endpoint, src.CreatedAt.UTC(), src.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert log source: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListLogSources(ctx context.Context) ([]*model.LogSource, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, repo_id, source_type, endpoint, created_at, updated_at
        FROM log_sources ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query log sources: %w", err)
	}
	defer rows.Close()
	var out []*model.LogSource
	for rows.Next() {
		var src model.LogSource
		if err := rows.Scan(&src.ID, &src.Name, &src.RepoID, &src.SourceType, &src.Endpoint, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateSlackChannel(ctx context.Context, ch *model.SlackChannel) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO slack_channels(id, team_id, channel_id, channel_name, repo_id, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?)
    `, ch.ID, ch.TeamID, ch.ChannelID, ch.ChannelName, ch.RepoID, ch.CreatedAt.UTC(), ch.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert slack channel: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListSlackChannels(ctx context.Context) ([]*model.SlackChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, team_id, channel_id, channel_name, repo_id, created_at, updated_at
        FROM slack_channels ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query slack channels: %w", err)
	}
	defer rows.Close()
	var out []*model.SlackChannel
	for rows.Next() {
		var ch model.SlackChannel
		if err := rows.Scan(&ch.ID, &ch.TeamID, &ch.ChannelID, &ch.ChannelName, &ch.RepoID, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ch)
	}
	return out, rows.Err()
}

// ─── Webhook events ───────────────────────────────────────────────────────────

func (s *sqliteStore) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	payload, err := marshalMeta(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO webhook_events(id, delivery_id, event, repo_id, payload, received_at)
        VALUES(?,?,?,?,?,?)
    `, ev.ID, ev.DeliveryID, ev.Event, ev.RepoID, payload, ev.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, delivery_id, event, repo_id, payload, received_at
        FROM webhook_events ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook events: %w", err)
	}
	defer rows.Close()
	var out []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.DeliveryID, &ev.Event, &ev.RepoID, &payload, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			ev.Payload = map[string]any{}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var inc model.Incident
	var signalType, severity, status, meta string
	err := row.Scan(&inc.ID, &signalType, &inc.Title, &inc.Description, &inc.RepoID,
		&severity, &status, &inc.SourceRef, &meta, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.SignalType = model.SignalType(signalType)
	inc.Severity = model.Severity(severity)
	inc.Status = model.Status(status)
	if err := json.Unmarshal([]byte(meta), &inc.Metadata); err != nil || inc.Metadata == nil {
		inc.Metadata = map[string]any{}
	}
	return &inc, nil
}

func scanRepo(row rowScanner) (*model.Repo, error) {
	var repo model.Repo
	var meta string
	err := row.Scan(&repo.ID, &repo.Name, &repo.RepoURL, &repo.DefaultBranch,
		&repo.Description, &repo.CheckCommand, &meta, &repo.CreatedAt, &repo.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &repo.Metadata); err != nil || repo.Metadata == nil {
		repo.Metadata = map[string]any{}
	}
	return &repo, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func mergeMeta(dst map[string]any, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
