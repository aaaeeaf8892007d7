package evaluator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// Outcome is the classification of an observation
type Outcome string

const (
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeActionable Outcome = "actionable"
)

// Decision is the evaluator's verdict for one signature
type Decision struct {
	Outcome   Outcome        `json:"outcome"`
	Signature string         `json:"signature"`
	Severity  types.Severity `json:"severity"`

	// Context is the bundle handed to plan generation (Actionable only)
	Context map[string]any `json:"context,omitempty"`

	// Reason explains Suppressed and Duplicate outcomes
	Reason string `json:"reason,omitempty"`

	// DuplicateOf is the open plan that made this a duplicate
	DuplicateOf string `json:"duplicate_of,omitempty"`

	// Issues are the observations that produced this signature
	Issues []types.Issue `json:"issues"`
}

// RegistryView answers suppression lookups. Matching is exact on the
// normalized signature.
type RegistryView interface {
	Suppression(signature string) (types.SuppressionRule, bool)
}

// PlanLookup finds undecided plans for duplicate detection.
type PlanLookup interface {
	FindOpenBySignature(ctx context.Context, signature string, since time.Time) (*types.Plan, error)
}

// Evaluator classifies observations against the registry and open plans
type Evaluator struct {
	cfg      Config
	registry RegistryView
	plans    PlanLookup
	now      func() time.Time
}

// New creates an evaluator
func New(cfg Config, registry RegistryView, plans PlanLookup) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		registry: registry,
		plans:    plans,
		now:      time.Now,
	}
}

// Evaluate classifies a single issue.
func (e *Evaluator) Evaluate(ctx context.Context, issue types.Issue) (*Decision, error) {
	snap := &types.Snapshot{CollectedAt: e.now(), Issues: []types.Issue{issue}}
	decisions, err := e.EvaluateAll(ctx, snap)
	if err != nil {
		return nil, err
	}
	return &decisions[0], nil
}

// EvaluateAll classifies every issue in the snapshot. Issues sharing a
// signature are grouped into one decision whose severity is the highest
// among them. Decisions are sorted by signature.
func (e *Evaluator) EvaluateAll(ctx context.Context, snap *types.Snapshot) ([]Decision, error) {
	groups := make(map[string][]types.Issue)
	for _, issue := range snap.Issues {
		sig := issue.Fingerprint()
		groups[sig] = append(groups[sig], issue)
	}

	signatures := make([]string, 0, len(groups))
	for sig := range groups {
		signatures = append(signatures, sig)
	}
	sort.Strings(signatures)

	decisions := make([]Decision, 0, len(signatures))
	for _, sig := range signatures {
		d, err := e.classify(ctx, sig, groups[sig], snap)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (e *Evaluator) classify(ctx context.Context, sig string, issues []types.Issue, snap *types.Snapshot) (Decision, error) {
	d := Decision{
		Signature: sig,
		Severity:  maxSeverity(issues),
		Issues:    issues,
	}

	if rule, ok := e.registry.Suppression(sig); ok {
		d.Outcome = OutcomeSuppressed
		d.Reason = rule.Reason
		return d, nil
	}

	if e.cfg.CooldownWindow > 0 {
		open, err := e.plans.FindOpenBySignature(ctx, sig, e.now().Add(-e.cfg.CooldownWindow))
		if err != nil {
			return d, fmt.Errorf("duplicate check for %s: %w", sig, err)
		}
		if open != nil {
			d.Outcome = OutcomeDuplicate
			d.DuplicateOf = open.ID
			d.Reason = fmt.Sprintf("plan %s is still %s", open.ID, open.Status)
			return d, nil
		}
	}

	d.Outcome = OutcomeActionable
	d.Context = buildContext(sig, d.Severity, issues, snap)
	return d, nil
}

func maxSeverity(issues []types.Issue) types.Severity {
	best := types.SeverityInfo
	for _, issue := range issues {
		if s := types.ParseSeverity(issue.Severity); s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}

// buildContext assembles the generation context bundle. It only contains
// JSON-friendly values so it can be persisted on the plan verbatim.
func buildContext(sig string, sev types.Severity, issues []types.Issue, snap *types.Snapshot) map[string]any {
	first := issues[0]
	list := make([]any, 0, len(issues))
	for _, issue := range issues {
		entry := map[string]any{
			"source":     issue.Source,
			"type":       issue.Type,
			"severity":   issue.Severity,
			"identifier": issue.Identifier(),
		}
		if issue.Message != "" {
			entry["message"] = issue.Message
		}
		if len(issue.Details) > 0 {
			entry["details"] = issue.Details
		}
		list = append(list, entry)
	}

	ctx := map[string]any{
		"signature":  sig,
		"severity":   string(sev),
		"source":     first.Source,
		"type":       first.Type,
		"identifier": first.Identifier(),
		"issues":     list,
	}
	if !snap.CollectedAt.IsZero() {
		ctx["collected_at"] = snap.CollectedAt.UTC().Format(time.RFC3339)
	}
	if len(snap.Metrics) > 0 {
		ctx["metrics"] = snap.Metrics
	}
	return ctx
}
