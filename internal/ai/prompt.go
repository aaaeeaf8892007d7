package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planfirst/sreagent/internal/types"
)

const planInstructions = `You are an SRE assistant operating in plan-first mode.
Do NOT execute anything. Produce a proposal only. A human approves every plan
before any step runs.

Instructions:
1. Analyze only the provided evidence.
2. Prefer minimal, reversible actions.
3. Steps run strictly in order and execution stops at the first failure.
4. Each step uses one of these actions:
   - "shell": payload is a bash command run on the agent host; target names what it touches
   - "ssh":   target is the remote host (user@host or host); payload is the command
   - "http":  target is the webhook URL; payload is the JSON body to POST
   - "noop":  no side effect; use for manual checks the operator must do

Output JSON ONLY. No prose. Conform exactly to this schema:

{
  "summary": "<1 sentence>",
  "severity": "info|warning|critical",
  "root_cause": "<concise, evidence-based>",
  "steps": [
    {
      "action": "shell|ssh|http|noop",
      "target": "<what the step acts on>",
      "payload": "<exact command or request body>",
      "rationale": "<why this step is needed>",
      "timeout_seconds": 60
    }
  ],
  "notes": "<optional constraints or alternatives>"
}

If no safe plan exists, return an empty "steps" array and explain why in "notes".`

// buildPlanPrompt renders the generation prompt for one signature
func buildPlanPrompt(req Request, patterns []types.PatternEntry) (string, error) {
	evidence, err := json.MarshalIndent(req.Context, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}

	var b strings.Builder
	b.WriteString(planInstructions)
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "Signature: %s\nSeverity: %s\n\nEvidence:\n%s\n", req.Signature, req.Severity, evidence)

	if len(patterns) > 0 {
		b.WriteString("\nPreviously successful remediations for similar conditions:\n")
		for i, p := range patterns {
			steps, err := json.Marshal(p.StepTemplate)
			if err != nil {
				return "", fmt.Errorf("failed to encode pattern %s: %w", p.Signature, err)
			}
			fmt.Fprintf(&b, "%d. %s (used %d times): %s\n", i+1, p.Signature, p.UsageCount, steps)
		}
		b.WriteString("Reuse these steps when the evidence matches; do not copy them blindly.\n")
	}

	return b.String(), nil
}
