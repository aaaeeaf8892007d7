package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Plan is a proposed, ordered set of remediation steps with its own
// approval and execution lifecycle.
type Plan struct {
	ID           string              `json:"id"`
	Signature    string              `json:"signature"`
	Severity     Severity            `json:"severity"`
	Description  string              `json:"description"`
	Steps        []Step              `json:"steps"`
	Status       Status              `json:"status"`
	Decision     *Decision           `json:"decision,omitempty"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log"`
	Context      map[string]any      `json:"context,omitempty"`
	DryRun       bool                `json:"dry_run,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
}

// Validate checks if the plan has valid field values
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Signature) == "" {
		return fmt.Errorf("signature is required")
	}
	if !p.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", p.Severity)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	if len(p.Description) > 2000 {
		return fmt.Errorf("description must be 2000 characters or less (got %d)", len(p.Description))
	}
	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Step is a single remediation action. Order within Plan.Steps is execution order.
type Step struct {
	Action         string `json:"action"`
	Target         string `json:"target"`
	Payload        string `json:"payload,omitempty"`
	Rationale      string `json:"rationale"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Validate checks the required step descriptor fields.
func (s Step) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(s.Target) == "" {
		missing = append(missing, "target")
	}
	if strings.TrimSpace(s.Rationale) == "" {
		missing = append(missing, "rationale")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds cannot be negative")
	}
	return nil
}

// Decision is the terminal human decision recorded on a plan.
type Decision struct {
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// ExecutionLogEntry records the outcome of one step. Entries are append-only.
type ExecutionLogEntry struct {
	StepIndex int         `json:"step_index"`
	Outcome   StepOutcome `json:"outcome"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

// StepOutcome is the result of running (or not running) a step
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
)

// IsValid checks if the outcome value is valid
func (o StepOutcome) IsValid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Severity of the triggering condition
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Rank orders severities so the most severe compares highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ParseSeverity normalizes free-form severity strings. Unknown values map to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "high":
		return SeverityCritical
	case "warning", "warn", "medium":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// NewPlanID returns a time-ordered unique plan id (UUIDv7). Lexical order of
// ids matches creation order.
func NewPlanID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate plan id: %w", err)
	}
	return id.String(), nil
}

// PlanFilter narrows ListPlans. Zero values mean "no constraint".
type PlanFilter struct {
	Statuses      []Status
	Signature     string
	IncludeDryRun bool
	Limit         int
}
