package reasoning

import (
	"context"
	"fmt"
	"strings"
)

// stubEngine is a deterministic engine for local development and demos.
// No model calls: it diagnoses from simple log pattern matching and
// declares resolution after the first action.
type stubEngine struct{}

var _ Engine = (*stubEngine)(nil)

// NewStubEngine returns the offline engine used when the provider is "stub".
func NewStubEngine() Engine {
	return &stubEngine{}
}

func (s *stubEngine) Reason(_ context.Context, req ReasonRequest) (*Decision, error) {
	logs := strings.ToLower(req.Logs)
	iteration := len(req.PriorActions) + 1

	switch {
	case strings.Contains(logs, "oom") || strings.Contains(logs, "out of memory"):
		return &Decision{
			Issue:  "process killed by the out-of-memory killer",
			Action: fmt.Sprintf("increase memory limit and restart the affected service (attempt %d)", iteration),
		}, nil
	case strings.Contains(logs, "connection refused") || strings.Contains(logs, "timeout"):
		return &Decision{
			Issue:  "downstream dependency unreachable",
			Action: fmt.Sprintf("restart the downstream connection pool (attempt %d)", iteration),
		}, nil
	default:
		return &Decision{
			Issue:  "service emitting errors of unknown origin",
			Action: fmt.Sprintf("restart the affected service (attempt %d)", iteration),
		}, nil
	}
}

func (s *stubEngine) Evaluate(_ context.Context, req EvaluateRequest) (*Verdict, error) {
	return &Verdict{
		Resolved: len(req.Actions) > 0,
		Summary:  "stub engine resolves after the first action",
	}, nil
}
