// Package planning records human decisions on pending remediation plans.
package planning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// Store is the subset of plan storage the approval gateway needs
type Store interface {
	ResolvePlanID(ctx context.Context, ref string) (string, error)
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	MostRecentPending(ctx context.Context) (*types.Plan, error)
	ListPlans(ctx context.Context, filter types.PlanFilter) ([]*types.Plan, error)
	Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error
	ExtendDeadline(ctx context.Context, planID string, expiresAt time.Time) error
}

// DecisionErrorKind classifies a refused decision
type DecisionErrorKind string

const (
	// KindNotPending: no pending plan matches the reference
	KindNotPending DecisionErrorKind = "not_pending"
	// KindAlreadyDecided: the plan left pending_approval with a different outcome
	KindAlreadyDecided DecisionErrorKind = "already_decided"
)

// DecisionError is returned when a decision cannot be applied. The store is
// unchanged when it is returned.
type DecisionError struct {
	Kind   DecisionErrorKind
	PlanID string
	Ref    string
	Status types.Status
	Intent Intent
}

func (e *DecisionError) Error() string {
	switch e.Kind {
	case KindNotPending:
		if e.PlanID != "" {
			return fmt.Sprintf("plan %s is not pending approval (status %s)", e.PlanID, e.Status)
		}
		if e.Ref != "" {
			return fmt.Sprintf("no pending plan matches %q", e.Ref)
		}
		return "no pending plans"
	case KindAlreadyDecided:
		return fmt.Sprintf("cannot %s plan %s: already %s", e.Intent, e.PlanID, e.Status)
	}
	return fmt.Sprintf("decision refused: %s", e.Kind)
}

// IsDecisionError reports whether err is a DecisionError of the given kind.
func IsDecisionError(err error, kind DecisionErrorKind) bool {
	var decErr *DecisionError
	return errors.As(err, &decErr) && decErr.Kind == kind
}

// Config holds configuration for the approval gateway
type Config struct {
	// DeferIncrement is added to a plan's deadline on defer
	// Default: 1 hour
	DeferIncrement time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default approval configuration
func DefaultConfig() Config {
	return Config{DeferIncrement: time.Hour}
}

// Approver applies approve, reject and defer intents to pending plans
type Approver struct {
	cfg   Config
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewApprover creates an approval gateway over store
func NewApprover(cfg Config, store Store) *Approver {
	if cfg.DeferIncrement <= 0 {
		cfg.DeferIncrement = DefaultConfig().DeferIncrement
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Approver{cfg: cfg, store: store, log: log, now: time.Now}
}

// Decide applies intent to the plan named by planRef (full id or unique
// prefix). An empty planRef means the most recent pending plan.
func (a *Approver) Decide(ctx context.Context, planRef string, intent Intent, actor string) (*types.Plan, error) {
	return a.DecideWithNote(ctx, planRef, intent, actor, "")
}

// DecideWithNote is Decide with a note recorded on the decision (for
// example a rejection reason).
//
// Repeating a decision that was already recorded returns the plan unchanged.
// A conflicting decision on a plan that has left pending_approval returns
// DecisionError{Kind: KindAlreadyDecided}. Losing a race against another
// decider or the expiry sweep returns storage.ErrStaleState wrapped with the
// plan id.
func (a *Approver) DecideWithNote(ctx context.Context, planRef string, intent Intent, actor, note string) (*types.Plan, error) {
	if !intent.IsDecision() {
		return nil, fmt.Errorf("%q is not a decision", intent)
	}
	if actor == "" {
		return nil, fmt.Errorf("actor cannot be empty")
	}

	plan, err := a.lookup(ctx, planRef)
	if err != nil {
		return nil, err
	}

	if plan.Status != types.StatusPendingApproval {
		return a.alreadyLeftPending(plan, intent)
	}

	switch intent {
	case IntentApprove:
		err = a.store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusApproved, actor, note)
	case IntentReject:
		err = a.store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusRejected, actor, note)
	case IntentDefer:
		base := a.now()
		if plan.ExpiresAt != nil && plan.ExpiresAt.After(base) {
			base = *plan.ExpiresAt
		}
		err = a.store.ExtendDeadline(ctx, plan.ID, base.Add(a.cfg.DeferIncrement))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s plan %s: %w", intent, plan.ID, err)
	}

	a.log.Info("plan decision recorded",
		"plan_id", plan.ID,
		"intent", string(intent),
		"actor", actor,
		"signature", plan.Signature)

	return a.store.GetPlan(ctx, plan.ID)
}

func (a *Approver) lookup(ctx context.Context, planRef string) (*types.Plan, error) {
	if planRef == "" {
		plan, err := a.store.MostRecentPending(ctx)
		if errors.Is(err, storage.ErrPlanNotFound) {
			return nil, &DecisionError{Kind: KindNotPending}
		}
		return plan, err
	}

	id, err := a.store.ResolvePlanID(ctx, planRef)
	if errors.Is(err, storage.ErrPlanNotFound) {
		return nil, &DecisionError{Kind: KindNotPending, Ref: planRef}
	}
	if err != nil {
		return nil, err
	}

	plan, err := a.store.GetPlan(ctx, id)
	if errors.Is(err, storage.ErrPlanNotFound) {
		return nil, &DecisionError{Kind: KindNotPending, Ref: planRef}
	}
	return plan, err
}

// alreadyLeftPending handles decisions on plans that are no longer waiting.
// Proposed plans were never surfaced and count as not pending.
func (a *Approver) alreadyLeftPending(plan *types.Plan, intent Intent) (*types.Plan, error) {
	if plan.Status == types.StatusProposed {
		return nil, &DecisionError{Kind: KindNotPending, PlanID: plan.ID, Status: plan.Status}
	}
	if recorded, ok := recordedIntent(plan.Status); ok && recorded == intent {
		return plan, nil
	}
	return nil, &DecisionError{
		Kind:   KindAlreadyDecided,
		PlanID: plan.ID,
		Status: plan.Status,
		Intent: intent,
	}
}

// recordedIntent maps a post-decision status back to the decision that led there
func recordedIntent(status types.Status) (Intent, bool) {
	switch status {
	case types.StatusApproved, types.StatusExecuting, types.StatusCompleted, types.StatusFailed:
		return IntentApprove, true
	case types.StatusRejected:
		return IntentReject, true
	}
	return "", false
}
