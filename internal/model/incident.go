package model

import (
	"fmt"
	"time"
)

// SignalType records the provenance of an incident. Immutable after creation.
type SignalType string

const (
	SignalManual SignalType = "manual"
	SignalSlack  SignalType = "slack"
	SignalLog    SignalType = "log"
	SignalGithub SignalType = "github"
)

// Severity levels for incoming incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the incident lifecycle field, mutated exclusively by the loop
// controller (and the explicit retry endpoint). Transitions are monotonic:
// queued → processing → resolved. processing → queued happens only as an
// explicit requeue (escalation, retry, lease reclaim).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusResolved   Status = "resolved"
)

// Metadata keys written by the run loop. Stored inside Incident.Metadata so
// loop-local additions need no schema migration.
const (
	MetaActions          = "actions"
	MetaIteration        = "iteration"
	MetaLastIssue        = "last_issue"
	MetaNeedsReview      = "needs_review"
	MetaEscalationReason = "escalation_reason"
	MetaReasonFailures   = "reason_failures"
	MetaLastParseError   = "last_parse_error"
	MetaLeaseReclaimed   = "lease_reclaimed"
)

// Incident is the unit of work tracked through the self-healing loop.
type Incident struct {
	ID          string         `json:"id"`
	SignalType  SignalType     `json:"signal_type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RepoID      string         `json:"repo_id,omitempty"`
	Severity    Severity       `json:"severity"`
	Status      Status         `json:"status"`
	SourceRef   string         `json:"source_ref,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the fields set at creation time.
func (i *Incident) Validate() error {
	switch i.SignalType {
	case SignalManual, SignalSlack, SignalLog, SignalGithub:
	default:
		return fmt.Errorf("invalid signal_type %q", i.SignalType)
	}
	switch i.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("invalid severity %q", i.Severity)
	}
	if i.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// NeedsReview reports whether a prior run escalated this incident to a human.
func (i *Incident) NeedsReview() bool {
	v, ok := i.Metadata[MetaNeedsReview]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// CanTransition reports whether moving from the current status to next is a
// legal lifecycle step. resolved is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		// processing → queued is the explicit requeue/escalation path.
		return to == StatusResolved || to == StatusQueued
	case StatusResolved:
		return false
	}
	return false
}

// LogLevelSeverity maps an ingested log level onto an incident severity.
// Unknown levels land on medium.
func LogLevelSeverity(level string) Severity {
	switch level {
	case "fatal", "critical", "panic":
		return SeverityCritical
	case "error":
		return SeverityHigh
	case "warn", "warning":
		return SeverityMedium
	case "info", "debug", "trace":
		return SeverityLow
	}
	return SeverityMedium
}
