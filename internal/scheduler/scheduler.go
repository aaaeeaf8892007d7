// Package scheduler drives the periodic observe, evaluate, generate cycle.
//
// One cycle:
//
//  1. Expire pending plans whose approval deadline has passed
//  2. Collect a snapshot, reload suppression rules and evaluate every issue
//  3. Generate plans for actionable signatures, a few at a time
//  4. Persist each plan and surface it for approval (live mode) or leave it
//     proposed (dry-run mode)
//  5. Retry approved plans that could not run earlier (rate limit, another
//     plan for the same signature executing)
//
// The scheduler and the chat handler share nothing but the plan store; all
// coordination is through its compare-and-swap transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/planfirst/sreagent/internal/ai"
	"github.com/planfirst/sreagent/internal/evaluator"
	"github.com/planfirst/sreagent/internal/executor"
	"github.com/planfirst/sreagent/internal/observe"
	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// Store is the subset of plan storage the scheduler needs
type Store interface {
	CreatePlan(ctx context.Context, plan *types.Plan, actor string) error
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	ListPlans(ctx context.Context, filter types.PlanFilter) ([]*types.Plan, error)
	ExpiredPending(ctx context.Context, now time.Time) ([]*types.Plan, error)
	Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error
}

// Evaluator classifies observations
type Evaluator interface {
	EvaluateAll(ctx context.Context, snap *types.Snapshot) ([]evaluator.Decision, error)
}

// Generator produces proposed plans
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (*types.Plan, error)
}

// Rules reloads suppression rules written by other processes
type Rules interface {
	Refresh(ctx context.Context) error
}

// Executor runs approved plans
type Executor interface {
	Execute(ctx context.Context, planID string) (*types.Plan, error)
}

// Notifier tells operators about plans
type Notifier interface {
	NotifyPending(ctx context.Context, plan *types.Plan) error
	NotifyResult(ctx context.Context, plan *types.Plan) error
}

// Config holds configuration for the scheduler
type Config struct {
	// Interval between cycles
	// Default: 5 minutes
	Interval time.Duration

	// Mode is live or dry-run
	Mode types.RunMode

	// ExpiresAfter is the approval deadline given to new plans
	// Default: 24 hours
	ExpiresAfter time.Duration

	// MaxConcurrent generations per cycle
	// Default: 2
	MaxConcurrent int

	Logger *slog.Logger
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		Mode:          types.ModeLive,
		ExpiresAfter:  24 * time.Hour,
		MaxConcurrent: 2,
	}
}

// Deps are the collaborators of a scheduler. Executor and Notifier may be
// nil; they are never used in dry-run mode. Rules may be nil when nothing
// else writes to the store.
type Deps struct {
	Store     Store
	Source    observe.Source
	Rules     Rules
	Evaluator Evaluator
	Generator Generator
	Executor  Executor
	Notifier  Notifier
}

// CycleReport summarizes one cycle
type CycleReport struct {
	Mode       types.RunMode
	Issues     int
	Suppressed map[string]int
	Duplicates int
	Actionable int

	// Created plan ids, in signature order
	Created          []string
	GenerationErrors int

	Expired  int
	Executed []string
	Waiting  int
}

// Scheduler runs remediation cycles
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

const actor = "scheduler"

// New creates a scheduler
func New(cfg Config, deps Deps) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("invalid run mode %q", cfg.Mode)
	}
	if cfg.ExpiresAfter <= 0 {
		cfg.ExpiresAfter = def.ExpiresAfter
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if deps.Store == nil || deps.Source == nil || deps.Evaluator == nil || deps.Generator == nil {
		return nil, errors.New("scheduler needs a store, source, evaluator and generator")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, deps: deps, log: log, now: time.Now}, nil
}

// Run executes a cycle immediately and then every Interval until ctx is
// done. A failed cycle is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "interval", s.cfg.Interval.String(), "mode", string(s.cfg.Mode))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one cycle. Only failures to observe, reload rules or
// evaluate abort the cycle; per-plan errors are logged and counted.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{Mode: s.cfg.Mode, Suppressed: make(map[string]int)}
	live := !s.cfg.Mode.IsDryRun()

	if live {
		s.expire(ctx, report)
	}

	snap, err := s.deps.Source.Collect(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to collect snapshot: %w", err)
	}
	report.Issues = len(snap.Issues)

	// The CLI suppresses, lifts and rejects from its own process
	if s.deps.Rules != nil {
		if err := s.deps.Rules.Refresh(ctx); err != nil {
			return report, fmt.Errorf("failed to reload suppression rules: %w", err)
		}
	}

	decisions, err := s.deps.Evaluator.EvaluateAll(ctx, snap)
	if err != nil {
		return report, fmt.Errorf("failed to evaluate snapshot: %w", err)
	}

	var actionable []evaluator.Decision
	for _, d := range decisions {
		switch d.Outcome {
		case evaluator.OutcomeSuppressed:
			report.Suppressed[d.Signature]++
			s.log.Info("observation suppressed", "signature", d.Signature, "reason", d.Reason)
		case evaluator.OutcomeDuplicate:
			report.Duplicates++
			s.log.Debug("observation duplicates an open plan", "signature", d.Signature, "plan_id", d.DuplicateOf)
		case evaluator.OutcomeActionable:
			actionable = append(actionable, d)
		}
	}
	report.Actionable = len(actionable)

	for _, plan := range s.generate(ctx, actionable, report) {
		if err := s.persist(ctx, plan, live); err != nil {
			s.log.Error("failed to persist plan", "signature", plan.Signature, "error", err)
			continue
		}
		report.Created = append(report.Created, plan.ID)
	}

	if live {
		s.retryApproved(ctx, report)
	}

	s.log.Info("scheduler cycle finished",
		"mode", string(s.cfg.Mode),
		"issues", report.Issues,
		"actionable", report.Actionable,
		"created", len(report.Created),
		"suppressed", len(report.Suppressed),
		"duplicates", report.Duplicates,
		"generation_errors", report.GenerationErrors)
	return report, nil
}

// generate runs plan generation for each decision, at most MaxConcurrent at
// once. Failed generations are dropped. Results keep decision order.
func (s *Scheduler) generate(ctx context.Context, decisions []evaluator.Decision, report *CycleReport) []*types.Plan {
	results := make([]*types.Plan, len(decisions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, d := range decisions {
		i, d := i, d
		g.Go(func() error {
			plan, err := s.deps.Generator.Generate(gctx, ai.Request{
				Signature: d.Signature,
				Severity:  d.Severity,
				Context:   d.Context,
			})
			if err != nil {
				s.log.Warn("plan generation failed; observation dropped",
					"signature", d.Signature, "error", err)
				return nil
			}
			results[i] = plan
			return nil
		})
	}
	_ = g.Wait()

	plans := make([]*types.Plan, 0, len(results))
	for _, p := range results {
		if p == nil {
			report.GenerationErrors++
			continue
		}
		plans = append(plans, p)
	}
	return plans
}

func (s *Scheduler) persist(ctx context.Context, plan *types.Plan, live bool) error {
	expires := s.now().Add(s.cfg.ExpiresAfter).UTC()
	plan.ExpiresAt = &expires
	plan.DryRun = !live
	plan.Status = types.StatusProposed
	if err := s.deps.Store.CreatePlan(ctx, plan, actor); err != nil {
		return err
	}
	if !live {
		s.log.Info("dry run: plan proposed", "plan_id", plan.ID, "signature", plan.Signature, "steps", len(plan.Steps))
		return nil
	}

	if err := s.deps.Store.Transition(ctx, plan.ID, types.StatusProposed, types.StatusPendingApproval, actor, ""); err != nil {
		return err
	}
	s.log.Info("plan awaiting approval", "plan_id", plan.ID, "signature", plan.Signature, "severity", string(plan.Severity))

	if s.deps.Notifier != nil {
		stored, err := s.deps.Store.GetPlan(ctx, plan.ID)
		if err != nil {
			return err
		}
		if err := s.deps.Notifier.NotifyPending(ctx, stored); err != nil {
			// The plan is still pending and listed; operators can find it
			s.log.Warn("failed to notify about pending plan", "plan_id", plan.ID, "error", err)
		}
	}
	return nil
}

// expire moves pending plans past their deadline to expired. A decision
// that lands first wins and the plan is skipped.
func (s *Scheduler) expire(ctx context.Context, report *CycleReport) {
	plans, err := s.deps.Store.ExpiredPending(ctx, s.now())
	if err != nil {
		s.log.Error("failed to list expired plans", "error", err)
		return
	}
	for _, plan := range plans {
		err := s.deps.Store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusExpired, actor, "approval deadline passed")
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			s.log.Error("failed to expire plan", "plan_id", plan.ID, "error", err)
			continue
		}
		report.Expired++
		s.log.Info("plan expired without a decision", "plan_id", plan.ID, "signature", plan.Signature)
		if s.deps.Notifier != nil {
			plan.Status = types.StatusExpired
			if err := s.deps.Notifier.NotifyResult(ctx, plan); err != nil {
				s.log.Warn("failed to notify about expired plan", "plan_id", plan.ID, "error", err)
			}
		}
	}
}

// retryApproved executes approved plans left over from earlier attempts,
// oldest first.
func (s *Scheduler) retryApproved(ctx context.Context, report *CycleReport) {
	if s.deps.Executor == nil {
		return
	}
	plans, err := s.deps.Store.ListPlans(ctx, types.PlanFilter{Statuses: []types.Status{types.StatusApproved}})
	if err != nil {
		s.log.Error("failed to list approved plans", "error", err)
		return
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })

	for i, plan := range plans {
		result, err := s.deps.Executor.Execute(ctx, plan.ID)
		switch {
		case errors.Is(err, executor.ErrRateLimited):
			report.Waiting += len(plans) - i
			s.log.Info("execution budget spent; approved plans wait for a later cycle", "waiting", report.Waiting)
			return
		case errors.Is(err, storage.ErrSignatureExecuting):
			report.Waiting++
			continue
		case errors.Is(err, storage.ErrStaleState):
			// Someone else ran it
			continue
		case err != nil:
			s.log.Error("failed to execute approved plan", "plan_id", plan.ID, "error", err)
			continue
		}

		report.Executed = append(report.Executed, plan.ID)
		if s.deps.Notifier != nil {
			if err := s.deps.Notifier.NotifyResult(ctx, result); err != nil {
				s.log.Warn("failed to notify about execution result", "plan_id", plan.ID, "error", err)
			}
		}
	}
}
