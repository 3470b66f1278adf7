package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Signal / incident lifecycle events
	EventSignalReceived  EventType = "signal.received"
	EventIncidentCreated EventType = "incident.created"

	// Run lifecycle events
	EventRunStarted   EventType = "run.started"
	EventRunResolved  EventType = "run.resolved"
	EventRunEscalated EventType = "run.escalated"
	EventRunRequeued  EventType = "run.requeued"

	// Action events
	EventActionProposed EventType = "action.proposed"
	EventActionExecuted EventType = "action.executed"
	EventActionFailed   EventType = "action.failed"

	// Worker events
	EventLeaseReclaimed EventType = "worker.lease_reclaimed"
	EventClaimConflict  EventType = "worker.claim_conflict"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	IncidentID string    `json:"incident_id,omitempty"`
	EventType  EventType `json:"event_type"`
	Result     Result    `json:"result"`

	Stage       string         `json:"stage,omitempty"`
	Iteration   int            `json:"iteration,omitempty"`
	Action      string         `json:"action,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Error string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]any),
	}
}

// WithIncident sets the incident this event belongs to
func (e *Event) WithIncident(id string) *Event {
	e.IncidentID = id
	return e
}

// WithStage sets the loop stage and iteration the event occurred in
func (e *Event) WithStage(stage string, iteration int) *Event {
	e.Stage = stage
	e.Iteration = iteration
	return e
}

// WithAction sets the remediation action being audited
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information and flips the result to failure
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
