// Package ai turns actionable observations into remediation plans using an
// external reasoning capability.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// Request is the evaluator output handed to generation
type Request struct {
	Signature string
	Severity  types.Severity
	Context   map[string]any
}

// PatternSource supplies remembered remediations for experience replay
type PatternSource interface {
	SimilarPatterns(ctx context.Context, signature string, limit int) ([]types.PatternEntry, error)
}

// planResponse is the JSON document the reasoner is asked to produce
type planResponse struct {
	Summary   string         `json:"summary"`
	Severity  string         `json:"severity"`
	RootCause string         `json:"root_cause"`
	Steps     []responseStep `json:"steps"`
	Notes     string         `json:"notes"`
}

type responseStep struct {
	Action    string `json:"action"`
	Target    string `json:"target"`
	Payload   string `json:"payload"`
	Command   string `json:"command"`
	Rationale string `json:"rationale"`
	Timeout   int    `json:"timeout_seconds"`
}

const maxDescription = 2000

// Generator produces proposed plans
type Generator struct {
	cfg      Config
	reasoner Reasoner
	patterns PatternSource
	log      *slog.Logger
	now      func() time.Time
}

// NewGenerator creates a generator. patterns may be nil.
func NewGenerator(cfg Config, reasoner Reasoner, patterns PatternSource) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Generator{
		cfg:      cfg,
		reasoner: reasoner,
		patterns: patterns,
		log:      cfg.logger(),
		now:      time.Now,
	}
}

// Generate asks the reasoner for a plan and validates the answer. The
// returned plan is in the proposed state and not yet persisted. Any failure
// is a *GenerationError and no plan is produced.
func (g *Generator) Generate(ctx context.Context, req Request) (*types.Plan, error) {
	prompt, err := buildPlanPrompt(req, g.similarPatterns(ctx, req.Signature))
	if err != nil {
		return nil, &GenerationError{Kind: KindMalformed, Signature: req.Signature, Reason: "prompt", Err: err}
	}

	genCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type completion struct {
		text string
		err  error
	}
	done := make(chan completion, 1)
	start := g.now()
	go func() {
		text, err := g.reasoner.Complete(genCtx, prompt)
		done <- completion{text: text, err: err}
	}()

	var res completion
	select {
	case res = <-done:
	case <-genCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.timeoutError(req.Signature)
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(res.err, context.DeadlineExceeded) && genCtx.Err() != nil {
			return nil, g.timeoutError(req.Signature)
		}
		return nil, &GenerationError{Kind: KindUnavailable, Signature: req.Signature, Err: res.err}
	}

	plan, err := g.buildPlan(req, res.text)
	if err != nil {
		return nil, err
	}

	g.log.Info("plan generated",
		"plan_id", plan.ID,
		"signature", plan.Signature,
		"steps", len(plan.Steps),
		"reasoner", g.reasoner.Name(),
		"duration", g.now().Sub(start))
	return plan, nil
}

func (g *Generator) timeoutError(signature string) error {
	return &GenerationError{
		Kind:      KindTimeout,
		Signature: signature,
		Reason:    fmt.Sprintf("no response within %s", g.cfg.Timeout),
	}
}

// similarPatterns is best effort; a lookup failure only loses the examples
func (g *Generator) similarPatterns(ctx context.Context, signature string) []types.PatternEntry {
	if g.patterns == nil || g.cfg.PatternExamples <= 0 {
		return nil
	}
	patterns, err := g.patterns.SimilarPatterns(ctx, signature, g.cfg.PatternExamples)
	if err != nil {
		g.log.Warn("pattern lookup failed", "signature", signature, "error", err)
		return nil
	}
	return patterns
}

func (g *Generator) buildPlan(req Request, text string) (*types.Plan, error) {
	parsed := Parse[planResponse](text, "plan response")
	if !parsed.Success {
		return nil, &GenerationError{Kind: KindMalformed, Signature: req.Signature, Reason: parsed.Error}
	}
	resp := parsed.Data

	if len(resp.Steps) == 0 {
		reason := "no steps proposed"
		if resp.Notes != "" {
			reason += " (" + truncate(resp.Notes, 200) + ")"
		}
		return nil, &GenerationError{Kind: KindMalformed, Signature: req.Signature, Reason: reason}
	}

	steps := make([]types.Step, 0, len(resp.Steps))
	for i, rs := range resp.Steps {
		payload := rs.Payload
		if payload == "" {
			payload = rs.Command
		}
		step := types.Step{
			Action:         strings.ToLower(strings.TrimSpace(rs.Action)),
			Target:         strings.TrimSpace(rs.Target),
			Payload:        payload,
			Rationale:      strings.TrimSpace(rs.Rationale),
			TimeoutSeconds: rs.Timeout,
		}
		if step.TimeoutSeconds < 0 {
			step.TimeoutSeconds = 0
		}
		if err := step.Validate(); err != nil {
			return nil, &GenerationError{
				Kind:      KindMalformed,
				Signature: req.Signature,
				Reason:    fmt.Sprintf("step %d", i+1),
				Err:       err,
			}
		}
		steps = append(steps, step)
	}

	severity := req.Severity
	if !severity.IsValid() {
		severity = types.ParseSeverity(resp.Severity)
	}

	id, err := types.NewPlanID()
	if err != nil {
		return nil, err
	}

	planCtx := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		planCtx[k] = v
	}
	planCtx["reasoner"] = g.reasoner.Name()
	if resp.Notes != "" {
		planCtx["notes"] = resp.Notes
	}

	now := g.now().UTC()
	return &types.Plan{
		ID:          id,
		Signature:   req.Signature,
		Severity:    severity,
		Description: describe(resp, req.Signature),
		Steps:       steps,
		Status:      types.StatusProposed,
		Context:     planCtx,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func describe(resp planResponse, signature string) string {
	desc := strings.TrimSpace(resp.Summary)
	if desc == "" {
		desc = "Remediate " + signature
	}
	if rc := strings.TrimSpace(resp.RootCause); rc != "" {
		desc += "\nRoot cause: " + rc
	}
	if len(desc) > maxDescription {
		desc = types.Clip(desc, maxDescription-3) + "..."
	}
	return desc
}
