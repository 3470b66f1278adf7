package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sentinell/sentinell/internal/llm"
	"github.com/sentinell/sentinell/internal/model"
)

// fakeClient returns canned completions and records the prompts it saw.
type fakeClient struct {
	responses []string
	err       error
	calls     [][]llm.Message
}

func (f *fakeClient) Complete(_ context.Context, messages []llm.Message) (*llm.Completion, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &llm.Completion{Text: resp}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func TestReasonParsesDecision(t *testing.T) {
	client := &fakeClient{responses: []string{`{"issue": "db connection pool exhausted", "action": "restart the api pods"}`}}
	engine := NewEngine(client, nil)

	decision, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR too many connections"})
	if err != nil {
		t.Fatalf("Reason failed: %v", err)
	}
	if decision.Issue != "db connection pool exhausted" {
		t.Errorf("Unexpected issue: %q", decision.Issue)
	}
	if decision.Action != "restart the api pods" {
		t.Errorf("Unexpected action: %q", decision.Action)
	}
}

func TestReasonParsesFencedJSON(t *testing.T) {
	client := &fakeClient{responses: []string{"Here is my analysis:\n```json\n{\"issue\": \"oom\", \"action\": \"raise memory limit\"}\n```"}}
	engine := NewEngine(client, nil)

	decision, err := engine.Reason(context.Background(), ReasonRequest{Logs: "OOMKilled"})
	if err != nil {
		t.Fatalf("Reason failed on fenced output: %v", err)
	}
	if decision.Action != "raise memory limit" {
		t.Errorf("Unexpected action: %q", decision.Action)
	}
}

func TestReasonParseError(t *testing.T) {
	client := &fakeClient{responses: []string{"I think the problem is the database but I am not sure."}}
	engine := NewEngine(client, nil)

	_, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR"})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
	if pe.Stage != "reason" {
		t.Errorf("Expected stage 'reason', got %q", pe.Stage)
	}
	if pe.Raw == "" {
		t.Error("ParseError should carry the raw output")
	}
}

func TestReasonEmptyFieldsAreParseError(t *testing.T) {
	client := &fakeClient{responses: []string{`{"issue": "", "action": ""}`}}
	engine := NewEngine(client, nil)

	_, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR"})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ParseError for empty fields, got %v", err)
	}
}

func TestReasonPropagatesProviderErrors(t *testing.T) {
	client := &fakeClient{err: llm.ErrTimeout}
	engine := NewEngine(client, nil)

	_, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR"})
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("Expected timeout to propagate, got %v", err)
	}
}

func TestReasonStrictPromptVariant(t *testing.T) {
	client := &fakeClient{responses: []string{`{"issue": "x", "action": "y"}`}}
	engine := NewEngine(client, nil)

	_, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR", Strict: true})
	if err != nil {
		t.Fatalf("Reason failed: %v", err)
	}

	prompt := client.calls[0][1].Content
	if !contains(prompt, "ONLY a JSON object") {
		t.Errorf("Strict prompt should demand bare JSON, got: %s", prompt[:min(120, len(prompt))])
	}
}

func TestReasonPromptIncludesPriorActions(t *testing.T) {
	client := &fakeClient{responses: []string{`{"issue": "x", "action": "y"}`}}
	engine := NewEngine(client, nil)

	_, err := engine.Reason(context.Background(), ReasonRequest{
		Logs:         "ERROR",
		PriorActions: []string{"restarted pod (outcome: recorded)"},
	})
	if err != nil {
		t.Fatalf("Reason failed: %v", err)
	}

	prompt := client.calls[0][1].Content
	if !contains(prompt, "restarted pod") {
		t.Error("Prompt should include prior actions")
	}
	if !contains(prompt, "Do not repeat") {
		t.Error("Prompt should warn against repeating actions")
	}
}

func TestReasonPromptIncludesContextBundle(t *testing.T) {
	client := &fakeClient{responses: []string{`{"issue": "x", "action": "y"}`}}
	engine := NewEngine(client, nil)

	bundle := &model.ContextBundle{
		SlackSnippets: []model.SlackSnippet{{ChannelID: "C123", User: "ops", Text: "deploy just went out"}},
	}
	_, err := engine.Reason(context.Background(), ReasonRequest{Logs: "ERROR", Context: bundle})
	if err != nil {
		t.Fatalf("Reason failed: %v", err)
	}

	prompt := client.calls[0][1].Content
	if !contains(prompt, "deploy just went out") {
		t.Error("Prompt should include hydrated Slack context")
	}
}

func TestEvaluateParsesVerdict(t *testing.T) {
	client := &fakeClient{responses: []string{`{"resolved": true, "summary": "errors stopped after restart"}`}}
	engine := NewEngine(client, nil)

	verdict, err := engine.Evaluate(context.Background(), EvaluateRequest{
		Logs:    "ERROR",
		Issue:   "pool exhausted",
		Actions: []string{"restart"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !verdict.Resolved {
		t.Error("Expected resolved verdict")
	}
}

func TestEvaluateMalformedReadsUnresolved(t *testing.T) {
	client := &fakeClient{responses: []string{"Probably fixed? Hard to say."}}
	engine := NewEngine(client, nil)

	verdict, err := engine.Evaluate(context.Background(), EvaluateRequest{Issue: "x", Actions: []string{"y"}})
	if err != nil {
		t.Fatalf("Malformed verdict should not error: %v", err)
	}
	if verdict.Resolved {
		t.Error("Malformed verdict must read as unresolved")
	}
}

func TestEvaluatePropagatesProviderErrors(t *testing.T) {
	client := &fakeClient{err: &llm.ProviderError{Provider: "fake", StatusCode: 500, Message: "overloaded"}}
	engine := NewEngine(client, nil)

	_, err := engine.Evaluate(context.Background(), EvaluateRequest{Issue: "x"})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected provider error to propagate, got %v", err)
	}
}

func TestExtractJSONNestedBraces(t *testing.T) {
	raw := extractJSON(`prefix {"a": {"b": "}"}, "c": 1} suffix`)
	if raw != `{"a": {"b": "}"}, "c": 1}` {
		t.Errorf("Unexpected extraction: %q", raw)
	}
}

func TestStubEngineDeterministic(t *testing.T) {
	engine := NewStubEngine()

	decision, err := engine.Reason(context.Background(), ReasonRequest{Logs: "fatal: out of memory"})
	if err != nil {
		t.Fatalf("Stub reason failed: %v", err)
	}
	if !contains(decision.Issue, "out-of-memory") {
		t.Errorf("Unexpected stub diagnosis: %q", decision.Issue)
	}

	verdict, err := engine.Evaluate(context.Background(), EvaluateRequest{Actions: []string{decision.Action}})
	if err != nil {
		t.Fatalf("Stub evaluate failed: %v", err)
	}
	if !verdict.Resolved {
		t.Error("Stub should resolve after one action")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
