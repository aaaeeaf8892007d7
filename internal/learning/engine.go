package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// Store is the subset of storage the learning engine writes to
type Store interface {
	RecordRejection(ctx context.Context, rec types.RejectionRecord) error
	CountRejections(ctx context.Context, signature string, since time.Time) (int, error)
	CreateSuppressionRule(ctx context.Context, rule types.SuppressionRule) (bool, error)
	UpsertPattern(ctx context.Context, signature string, steps []types.Step, at time.Time) error
}

// Config holds configuration for the learning engine
type Config struct {
	// SuppressionThreshold is the number of rejections within
	// RejectionWindow that suppresses a signature
	// Default: 10
	SuppressionThreshold int

	// RejectionWindow is the rolling window rejections are counted in
	// Default: 30 days
	RejectionWindow time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default learning configuration
func DefaultConfig() Config {
	return Config{
		SuppressionThreshold: 10,
		RejectionWindow:      30 * 24 * time.Hour,
	}
}

// Engine reacts to plans reaching a terminal state
type Engine struct {
	cfg      Config
	store    Store
	registry *Registry
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates a learning engine. New rules are added to registry as
// soon as they are stored.
func NewEngine(cfg Config, store Store, registry *Registry) *Engine {
	def := DefaultConfig()
	if cfg.SuppressionThreshold <= 0 {
		cfg.SuppressionThreshold = def.SuppressionThreshold
	}
	if cfg.RejectionWindow <= 0 {
		cfg.RejectionWindow = def.RejectionWindow
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, store: store, registry: registry, log: log, now: time.Now}
}

// OnTerminal updates the registry for a plan that reached a terminal state.
// Non-terminal plans and dry-run plans are ignored. Calling it twice for the
// same rejected plan counts the rejection once.
func (e *Engine) OnTerminal(ctx context.Context, plan *types.Plan) error {
	if plan.DryRun || !plan.Status.IsTerminal() {
		return nil
	}

	switch plan.Status {
	case types.StatusRejected:
		return e.onRejected(ctx, plan)
	case types.StatusCompleted:
		return e.onCompleted(ctx, plan)
	case types.StatusFailed:
		e.log.Warn("plan failed; needs manual review",
			"plan_id", plan.ID,
			"signature", plan.Signature,
			"detail", firstFailure(plan))
	case types.StatusExpired:
		e.log.Debug("plan expired without a decision", "plan_id", plan.ID, "signature", plan.Signature)
	}
	return nil
}

func (e *Engine) onRejected(ctx context.Context, plan *types.Plan) error {
	now := e.now().UTC()
	at := now
	if plan.Decision != nil && !plan.Decision.At.IsZero() {
		at = plan.Decision.At
	}
	if err := e.store.RecordRejection(ctx, types.RejectionRecord{
		Signature: plan.Signature,
		PlanID:    plan.ID,
		At:        at,
	}); err != nil {
		return err
	}

	count, err := e.store.CountRejections(ctx, plan.Signature, now.Add(-e.cfg.RejectionWindow))
	if err != nil {
		return err
	}
	e.log.Debug("rejection recorded", "plan_id", plan.ID, "signature", plan.Signature, "count", count)

	if count < e.cfg.SuppressionThreshold {
		return nil
	}
	if _, ok := e.registry.Suppression(plan.Signature); ok {
		return nil
	}

	rule := types.SuppressionRule{
		Signature:                plan.Signature,
		Reason:                   suppressionReason(plan, count),
		CreatedAt:                now,
		RejectionCountAtCreation: count,
		Active:                   true,
	}
	created, err := e.store.CreateSuppressionRule(ctx, rule)
	if err != nil {
		return err
	}
	if !created {
		// Another writer got there first; pick up its rule
		return e.registry.Refresh(ctx)
	}
	e.registry.put(rule)
	e.log.Info("signature suppressed after repeated rejections",
		"signature", plan.Signature,
		"rejections", count,
		"window", e.cfg.RejectionWindow.String())
	return nil
}

// Suppress creates an operator-requested suppression rule for signature.
// It reports false when the signature is already suppressed.
func (e *Engine) Suppress(ctx context.Context, signature, reason string) (bool, error) {
	signature = types.NormalizeSignature(signature)
	if signature == "" {
		return false, fmt.Errorf("signature is required")
	}
	count, err := e.store.CountRejections(ctx, signature, e.now().UTC().Add(-e.cfg.RejectionWindow))
	if err != nil {
		return false, err
	}
	rule := types.SuppressionRule{
		Signature:                signature,
		Reason:                   reason,
		CreatedAt:                e.now().UTC(),
		RejectionCountAtCreation: count,
		Active:                   true,
	}
	created, err := e.store.CreateSuppressionRule(ctx, rule)
	if err != nil {
		return false, err
	}
	if !created {
		return false, e.registry.Refresh(ctx)
	}
	e.registry.put(rule)
	e.log.Info("signature suppressed by operator", "signature", signature, "reason", reason)
	return true, nil
}

// Lift deactivates the suppression rule for signature. It reports whether
// an active rule existed.
func (e *Engine) Lift(ctx context.Context, signature string) (bool, error) {
	lifted, err := e.registry.Lift(ctx, signature)
	if err != nil {
		return false, err
	}
	if lifted {
		e.log.Info("suppression lifted", "signature", types.NormalizeSignature(signature))
	}
	return lifted, nil
}

func (e *Engine) onCompleted(ctx context.Context, plan *types.Plan) error {
	// Dry-run executions complete with every step skipped
	ran := false
	for _, entry := range plan.ExecutionLog {
		if entry.Outcome == types.OutcomeSucceeded {
			ran = true
			break
		}
	}
	if !ran {
		return nil
	}
	if err := e.store.UpsertPattern(ctx, plan.Signature, plan.Steps, e.now().UTC()); err != nil {
		return fmt.Errorf("failed to remember pattern for %s: %w", plan.Signature, err)
	}
	e.log.Info("remediation pattern reinforced", "signature", plan.Signature, "plan_id", plan.ID)
	return nil
}

func suppressionReason(plan *types.Plan, count int) string {
	summary := plan.Description
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}
	summary = types.Truncate(summary, 200)
	reason := fmt.Sprintf("auto-suppressed after %d rejections", count)
	if summary != "" {
		reason += ": " + summary
	}
	return reason
}

func firstFailure(plan *types.Plan) string {
	for _, entry := range plan.ExecutionLog {
		if entry.Outcome == types.OutcomeFailed {
			return fmt.Sprintf("step %d: %s", entry.StepIndex+1, entry.Detail)
		}
	}
	return ""
}
