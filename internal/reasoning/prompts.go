package reasoning

import (
	"fmt"
	"strings"

	"github.com/sentinell/sentinell/internal/model"
)

const systemPrompt = `You are an autonomous SRE agent. You diagnose production incidents
from log evidence and propose one concrete remediation action at a time.
You are cautious: prefer reversible, low-blast-radius actions, and never
propose destructive operations on data.`

const reasonInstructions = `Diagnose the incident below and propose the single next remediation action.

Respond with a JSON object:
{"issue": "<one-sentence diagnosis>", "action": "<one concrete action to take next>"}`

const reasonInstructionsStrict = `Diagnose the incident below and propose the single next remediation action.

Respond with ONLY a JSON object and nothing else. No prose, no markdown fences.
The object must have exactly these keys:
{"issue": "<one-sentence diagnosis>", "action": "<one concrete action to take next>"}`

const evaluateInstructions = `An incident was diagnosed and remediation actions were taken. Judge whether
the incident is resolved based on the evidence below.

Respond with a JSON object:
{"resolved": true|false, "summary": "<one sentence explaining the judgement>"}`

func buildReasonPrompt(req ReasonRequest) string {
	var b strings.Builder
	if req.Strict {
		b.WriteString(reasonInstructionsStrict)
	} else {
		b.WriteString(reasonInstructions)
	}

	b.WriteString("\n\n## Logs\n")
	b.WriteString(req.Logs)

	if len(req.PriorActions) > 0 {
		b.WriteString("\n\n## Actions already taken\n")
		for i, a := range req.PriorActions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
		b.WriteString("\nDo not repeat an action that has already been taken.")
	}

	if ctx := renderContext(req.Context); ctx != "" {
		b.WriteString("\n\n## Additional context\n")
		b.WriteString(ctx)
	}

	return b.String()
}

func buildEvaluatePrompt(req EvaluateRequest) string {
	var b strings.Builder
	b.WriteString(evaluateInstructions)

	b.WriteString("\n\n## Diagnosed issue\n")
	b.WriteString(req.Issue)

	b.WriteString("\n\n## Actions taken\n")
	for i, a := range req.Actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}

	b.WriteString("\n## Original logs\n")
	b.WriteString(req.Logs)

	return b.String()
}

// renderContext flattens a hydrated bundle into prompt text. Empty
// bundles render to nothing so the prompt stays clean on hydrator
// degradation.
func renderContext(bundle *model.ContextBundle) string {
	if bundle == nil || bundle.Empty() {
		return ""
	}

	var b strings.Builder
	for _, w := range bundle.LogWindows {
		fmt.Fprintf(&b, "### Recent logs from %s\n%s\n", w.SourceID, strings.Join(w.Lines, "\n"))
	}
	for _, s := range bundle.SlackSnippets {
		fmt.Fprintf(&b, "### Slack %s\n%s: %s\n", s.ChannelID, s.User, s.Text)
	}
	for _, c := range bundle.CommitSummaries {
		fmt.Fprintf(&b, "### Recent commit %s\n%s (%s)\n", c.SHA, c.Message, c.Author)
	}
	return b.String()
}
