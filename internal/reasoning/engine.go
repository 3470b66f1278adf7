package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/llm"
	"github.com/sentinell/sentinell/internal/model"
)

// Decision is the diagnosis produced by a reasoning pass: what is wrong
// and the single next action to take.
type Decision struct {
	Issue  string `json:"issue"`
	Action string `json:"action"`
}

// Verdict is the outcome of an evaluation pass.
type Verdict struct {
	Resolved bool   `json:"resolved"`
	Summary  string `json:"summary,omitempty"`
}

// ReasonRequest carries everything a reasoning pass may consult.
type ReasonRequest struct {
	Logs         string
	PriorActions []string
	Context      *model.ContextBundle
	// Strict requests the constrained prompt variant used after a parse
	// failure: JSON only, no surrounding prose.
	Strict bool
}

// EvaluateRequest carries the run summary the model judges for resolution.
type EvaluateRequest struct {
	Logs    string
	Issue   string
	Actions []string
}

// ParseError marks model output that could not be decoded into the
// expected JSON shape. Distinct from provider failures: the call
// succeeded but the content is unusable.
type ParseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s output parse failed: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Engine turns incident evidence into decisions and verdicts.
type Engine interface {
	Reason(ctx context.Context, req ReasonRequest) (*Decision, error)
	Evaluate(ctx context.Context, req EvaluateRequest) (*Verdict, error)
}

// llmEngine drives a chat-completion client with structured prompts.
type llmEngine struct {
	client llm.Client
	logger *zap.Logger
}

var _ Engine = (*llmEngine)(nil)

// NewEngine builds an engine over the given model client.
func NewEngine(client llm.Client, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &llmEngine{client: client, logger: logger}
}

func (e *llmEngine) Reason(ctx context.Context, req ReasonRequest) (*Decision, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildReasonPrompt(req)},
	}

	comp, err := e.client.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	var decision Decision
	if err := decodeStrict(comp.Text, &decision); err != nil {
		e.logger.Warn("reasoning output unparseable",
			zap.String("provider", e.client.Name()),
			zap.Error(err))
		return nil, &ParseError{Stage: "reason", Raw: comp.Text, Err: err}
	}
	if strings.TrimSpace(decision.Issue) == "" || strings.TrimSpace(decision.Action) == "" {
		return nil, &ParseError{Stage: "reason", Raw: comp.Text, Err: fmt.Errorf("issue and action must be non-empty")}
	}
	return &decision, nil
}

func (e *llmEngine) Evaluate(ctx context.Context, req EvaluateRequest) (*Verdict, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildEvaluatePrompt(req)},
	}

	comp, err := e.client.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	var verdict Verdict
	if err := decodeStrict(comp.Text, &verdict); err != nil {
		// Malformed verdicts read as "not resolved" so the loop keeps
		// iterating instead of declaring premature success.
		e.logger.Warn("evaluation output unparseable, treating as unresolved",
			zap.String("provider", e.client.Name()),
			zap.Error(err))
		return &Verdict{Resolved: false}, nil
	}
	return &verdict, nil
}

// decodeStrict extracts the first JSON object from text and decodes it
// into v. Models frequently wrap JSON in markdown fences or prose.
func decodeStrict(text string, v any) error {
	raw := extractJSON(text)
	if raw == "" {
		return fmt.Errorf("no JSON object found in output")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
