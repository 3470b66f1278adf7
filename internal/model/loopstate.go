package model

import (
	"strings"
	"time"
)

// NoDataSentinel is written into LoopState.Logs when the observation source is
// unavailable, so the loop can still reason about the absence of data instead
// of failing the run.
const NoDataSentinel = "(no log data available)"

// ActionRecord pairs a proposed remediation action with its execution outcome.
// The outcome is an annotation on the same entry, never a separate list element.
type ActionRecord struct {
	Proposal   string    `json:"proposal"`
	Outcome    string    `json:"outcome,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	ProposedAt time.Time `json:"proposed_at"`
}

// String renders the record the way it is mirrored into incident metadata.
func (a ActionRecord) String() string {
	if a.Outcome == "" {
		return a.Proposal
	}
	return a.Proposal + " (outcome: " + a.Outcome + ")"
}

// LoopState is the ephemeral working memory threaded through one run of the
// observe → reason → act → evaluate loop. It is created fresh when a run
// starts, passed by value between stages, and discarded when the run ends.
// All fields are JSON-serializable so a snapshot can cross the wire to
// delivery subscribers unchanged.
type LoopState struct {
	Logs          string         `json:"logs"`
	Issue         string         `json:"issue,omitempty"`
	Actions       []ActionRecord `json:"actions"`
	Resolved      bool           `json:"resolved"`
	Iteration     int            `json:"iteration"`
	ParseFailures int            `json:"parse_failures,omitempty"`
}

// HasSignal reports whether the current observation carries anything worth
// reasoning about. Whitespace-only logs and the no-data sentinel both count
// as silence.
func (s LoopState) HasSignal() bool {
	trimmed := strings.TrimSpace(s.Logs)
	return trimmed != "" && trimmed != NoDataSentinel
}

// LastAction returns the most recently proposed action, or nil if none exist.
func (s LoopState) LastAction() *ActionRecord {
	if len(s.Actions) == 0 {
		return nil
	}
	return &s.Actions[len(s.Actions)-1]
}

// ActionStrings renders the full audit trail for metadata mirroring.
func (s LoopState) ActionStrings() []string {
	out := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		out[i] = a.String()
	}
	return out
}

// Stage is one step of the loop state machine.
type Stage string

const (
	StageObserve  Stage = "observe"
	StageReason   Stage = "reason"
	StageAct      Stage = "act"
	StageEvaluate Stage = "evaluate"
	StageDone     Stage = "done"
)
