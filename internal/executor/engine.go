// Package executor runs approved remediation plans step by step.
//
// The engine claims a plan with a compare-and-swap from approved to
// executing before the first step runs, so a plan is executed at most once
// even when the scheduler and a chat approval race. There is no rollback: a
// failed plan leaves whatever earlier steps changed in place.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// Store is the subset of plan storage the engine needs
type Store interface {
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error
	AppendExecutionLog(ctx context.Context, planID string, entry types.ExecutionLogEntry) error
}

// Config holds configuration for the execution engine
type Config struct {
	// ContinueOnFailure runs remaining steps after a failure; the plan
	// still ends failed
	ContinueOnFailure bool

	// DryRun records every step as skipped without running it
	DryRun bool

	// MaxPerHour caps plan executions per hour (0 = unlimited)
	// Default: 3
	MaxPerHour int

	// StepTimeout applies to steps without timeout_seconds
	// Default: 60 seconds
	StepTimeout time.Duration

	// Actor recorded on transitions
	Actor string

	Logger *slog.Logger
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxPerHour:  3,
		StepTimeout: 60 * time.Second,
		Actor:       "executor",
	}
}

// Engine executes approved plans
type Engine struct {
	cfg      Config
	store    Store
	registry *Registry
	policy   *Policy
	limiter  *rate.Limiter
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates an execution engine. policy may be nil to allow every step.
func NewEngine(cfg Config, store Store, registry *Registry, policy *Policy) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.Actor == "" {
		cfg.Actor = DefaultConfig().Actor
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
	if cfg.MaxPerHour > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxPerHour)), cfg.MaxPerHour)
	}
	return e
}

// Execute runs an approved plan to completion and returns it in its final
// state.
//
// Errors before the first step leave the plan untouched:
//   - storage.ErrStaleState when the plan is not approved or another
//     caller claimed it first
//   - storage.ErrSignatureExecuting when a plan for the same signature is
//     already executing
//   - ErrRateLimited when the hourly budget is spent
//
// A step failure is not an error; it is recorded in the execution log and
// the plan ends failed. An in-flight step is never cancelled: once claimed,
// the plan runs to a terminal state even if ctx is cancelled.
func (e *Engine) Execute(ctx context.Context, planID string) (*types.Plan, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.StatusApproved {
		return nil, fmt.Errorf("plan %s is %s, not %s: %w", plan.ID, plan.Status, types.StatusApproved, storage.ErrStaleState)
	}

	var reservation *rate.Reservation
	if e.limiter != nil {
		now := e.now()
		reservation = e.limiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			e.log.Warn("execution rate limited", "plan_id", plan.ID, "max_per_hour", e.cfg.MaxPerHour)
			return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrRateLimited)
		}
	}

	if err := e.store.Transition(ctx, plan.ID, types.StatusApproved, types.StatusExecuting, e.cfg.Actor, ""); err != nil {
		if reservation != nil {
			reservation.CancelAt(e.now())
		}
		return nil, err
	}

	// Claimed: finish regardless of caller cancellation
	runCtx := context.WithoutCancel(ctx)

	e.log.Info("executing plan",
		"plan_id", plan.ID,
		"signature", plan.Signature,
		"steps", len(plan.Steps),
		"dry_run", e.cfg.DryRun)

	failed := false
	for i, step := range plan.Steps {
		entry := types.ExecutionLogEntry{StepIndex: i}

		switch {
		case failed && !e.cfg.ContinueOnFailure:
			entry.Outcome = types.OutcomeSkipped
			entry.Detail = "previous step failed"
		case e.cfg.DryRun:
			entry.Outcome = types.OutcomeSkipped
			entry.Detail = "dry run"
		default:
			output, err := e.runStep(runCtx, i, step)
			if err != nil {
				failed = true
				entry.Outcome = types.OutcomeFailed
				entry.Detail = err.Error()
			} else {
				entry.Outcome = types.OutcomeSucceeded
				entry.Detail = output
			}
		}

		entry.At = e.now().UTC()
		if err := e.store.AppendExecutionLog(runCtx, plan.ID, entry); err != nil {
			// The plan stays executing; it needs manual recovery
			e.log.Error("failed to record step outcome",
				"plan_id", plan.ID, "step", i+1, "error", err)
			return nil, fmt.Errorf("failed to record step %d of plan %s: %w", i+1, plan.ID, err)
		}
	}

	final := types.StatusCompleted
	if failed {
		final = types.StatusFailed
	}
	if err := e.store.Transition(runCtx, plan.ID, types.StatusExecuting, final, e.cfg.Actor, ""); err != nil {
		return nil, fmt.Errorf("failed to finish plan %s: %w", plan.ID, err)
	}

	e.log.Info("plan execution finished", "plan_id", plan.ID, "status", string(final))
	return e.store.GetPlan(runCtx, plan.ID)
}

// runStep checks policy and runs one step with its timeout. It returns the
// step output on success.
func (e *Engine) runStep(ctx context.Context, index int, step types.Step) (string, error) {
	if reason := e.policy.Check(step); reason != "" {
		e.log.Warn("step denied by safety policy", "step", index+1, "reason", reason)
		return "", &StepError{Index: index, Action: step.Action, Kind: StepErrorPolicy, Detail: reason}
	}

	exec, ok := e.registry.Lookup(step.Action)
	if !ok {
		return "", &StepError{
			Index:  index,
			Action: step.Action,
			Kind:   StepErrorUnsupported,
			Detail: fmt.Sprintf("no executor for action %q", step.Action),
		}
	}

	timeout := e.cfg.StepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.log.Debug("running step", "step", index+1, "action", step.Action, "target", step.Target)
	res := exec.Run(stepCtx, step)
	if res.Err == nil {
		return res.Output, nil
	}
	if errors.Is(res.Err, context.DeadlineExceeded) {
		return "", &StepError{
			Index:  index,
			Action: step.Action,
			Kind:   StepErrorTimeout,
			Detail: fmt.Sprintf("timed out after %s", timeout),
		}
	}
	return "", &StepError{Index: index, Action: step.Action, Kind: StepErrorFailed, Err: res.Err}
}
