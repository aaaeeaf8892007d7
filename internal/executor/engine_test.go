package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

func setupStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(context.Background(), &storage.Config{
		Path: filepath.Join(t.TempDir(), "plans.db"),
	})
	require.NoError(t, err, "failed to create storage")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// createApproved walks a new plan to approved
func createApproved(t *testing.T, store storage.Storage, signature string, steps ...types.Step) *types.Plan {
	t.Helper()
	ctx := context.Background()
	id, err := types.NewPlanID()
	require.NoError(t, err)
	plan := &types.Plan{
		ID:          id,
		Signature:   signature,
		Severity:    types.SeverityWarning,
		Description: "fix " + signature,
		Steps:       steps,
	}
	require.NoError(t, store.CreatePlan(ctx, plan, "test"))
	require.NoError(t, store.Transition(ctx, id, types.StatusProposed, types.StatusPendingApproval, "test", ""))
	require.NoError(t, store.Transition(ctx, id, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
	return plan
}

// scriptedExecutor fails steps whose payload is "fail" and counts runs
type scriptedExecutor struct {
	runs  atomic.Int32
	block chan struct{}
}

func (s *scriptedExecutor) Run(ctx context.Context, step types.Step) StepResult {
	s.runs.Add(1)
	if s.block != nil {
		<-s.block
	}
	switch step.Payload {
	case "fail":
		return StepResult{Err: errors.New("exit status 1")}
	case "hang":
		<-ctx.Done()
		return StepResult{Err: ctx.Err()}
	}
	return StepResult{Output: "ok: " + step.Payload}
}

func step(payload string) types.Step {
	return types.Step{Action: "test", Target: "web", Payload: payload, Rationale: "because"}
}

func newTestEngine(cfg Config, store Store, exec StepExecutor, policy *Policy) *Engine {
	registry := NewRegistry()
	registry.Register("test", exec)
	registry.Register("noop", NoopExecutor{})
	return NewEngine(cfg, store, registry, policy)
}

func unlimited() Config {
	cfg := DefaultConfig()
	cfg.MaxPerHour = 0
	return cfg
}

func outcomes(plan *types.Plan) []types.StepOutcome {
	var out []types.StepOutcome
	for _, e := range plan.ExecutionLog {
		out = append(out, e.Outcome)
	}
	return out
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("one"), step("two"))
	e := newTestEngine(unlimited(), store, &scriptedExecutor{}, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, []types.StepOutcome{types.OutcomeSucceeded, types.OutcomeSucceeded}, outcomes(got))
	assert.Equal(t, "ok: one", got.ExecutionLog[0].Detail)
}

// Three steps, the first fails: the rest are skipped and the plan fails.
func TestExecute_AbortOnFirstFailure(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("fail"), step("two"), step("three"))
	exec := &scriptedExecutor{}
	e := newTestEngine(unlimited(), store, exec, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, []types.StepOutcome{types.OutcomeFailed, types.OutcomeSkipped, types.OutcomeSkipped}, outcomes(got))
	assert.Contains(t, got.ExecutionLog[0].Detail, "exit status 1")
	assert.Equal(t, "previous step failed", got.ExecutionLog[1].Detail)
	assert.EqualValues(t, 1, exec.runs.Load())

	events, err := store.GetTransitions(context.Background(), plan.ID)
	require.NoError(t, err)
	var states []types.Status
	for _, ev := range events {
		states = append(states, ev.To)
	}
	assert.Equal(t, []types.Status{
		types.StatusProposed, types.StatusPendingApproval, types.StatusApproved,
		types.StatusExecuting, types.StatusFailed,
	}, states)
}

func TestExecute_ContinueOnFailure(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("fail"), step("two"))
	cfg := unlimited()
	cfg.ContinueOnFailure = true
	e := newTestEngine(cfg, store, &scriptedExecutor{}, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, []types.StepOutcome{types.OutcomeFailed, types.OutcomeSucceeded}, outcomes(got))
}

func TestExecute_DryRunSkipsEverything(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("one"), step("two"))
	exec := &scriptedExecutor{}
	cfg := unlimited()
	cfg.DryRun = true
	e := newTestEngine(cfg, store, exec, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, []types.StepOutcome{types.OutcomeSkipped, types.OutcomeSkipped}, outcomes(got))
	assert.Equal(t, "dry run", got.ExecutionLog[0].Detail)
	assert.Zero(t, exec.runs.Load())
}

func TestExecute_PolicyDeniesStep(t *testing.T) {
	store := setupStore(t)
	policy, err := NewPolicy([]string{"postgres"}, []string{`\bmkfs\b`})
	require.NoError(t, err)
	plan := createApproved(t, store, "sig:a:db",
		types.Step{Action: "test", Target: "db", Payload: "docker restart postgres", Rationale: "r"},
		step("two"))
	exec := &scriptedExecutor{}
	e := newTestEngine(unlimited(), store, exec, policy)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, []types.StepOutcome{types.OutcomeFailed, types.OutcomeSkipped}, outcomes(got))
	assert.Contains(t, got.ExecutionLog[0].Detail, "protected target: postgres")
	assert.Zero(t, exec.runs.Load(), "denied step must not run")
}

func TestExecute_UnknownAction(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", types.Step{Action: "teleport", Target: "web", Rationale: "r"})
	e := newTestEngine(unlimited(), store, &scriptedExecutor{}, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.ExecutionLog[0].Detail, `no executor for action "teleport"`)
}

func TestExecute_StepTimeout(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("hang"))
	cfg := unlimited()
	cfg.StepTimeout = 20 * time.Millisecond
	e := newTestEngine(cfg, store, &scriptedExecutor{}, nil)

	got, err := e.Execute(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.ExecutionLog[0].Detail, "timed out after 20ms")
}

func TestExecute_RequiresApproved(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	plan := createApproved(t, store, "sig:a:web", step("one"))
	e := newTestEngine(unlimited(), store, &scriptedExecutor{}, nil)

	_, err := e.Execute(ctx, plan.ID)
	require.NoError(t, err)

	_, err = e.Execute(ctx, plan.ID)
	assert.ErrorIs(t, err, storage.ErrStaleState, "completed plan must not run again")

	_, err = e.Execute(ctx, "no-such-plan")
	assert.ErrorIs(t, err, storage.ErrPlanNotFound)
}

// Many concurrent callers: exactly one claims the plan and each step runs once.
func TestExecute_ConcurrentCallersRunOnce(t *testing.T) {
	store := setupStore(t)
	plan := createApproved(t, store, "sig:a:web", step("one"), step("two"))
	exec := &scriptedExecutor{}
	e := newTestEngine(unlimited(), store, exec, nil)

	const callers = 8
	var wg sync.WaitGroup
	var wins, stale atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), plan.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrStaleState):
				stale.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, callers-1, stale.Load())
	assert.EqualValues(t, 2, exec.runs.Load())

	got, err := store.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Len(t, got.ExecutionLog, 2)
}

func TestExecute_RateLimited(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := createApproved(t, store, "sig:a:one", step("one"))
	second := createApproved(t, store, "sig:a:two", step("one"))
	cfg := DefaultConfig()
	cfg.MaxPerHour = 1
	e := newTestEngine(cfg, store, &scriptedExecutor{}, nil)

	_, err := e.Execute(ctx, first.ID)
	require.NoError(t, err)

	_, err = e.Execute(ctx, second.ID)
	assert.ErrorIs(t, err, ErrRateLimited)

	got, err := store.GetPlan(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)
	assert.Empty(t, got.ExecutionLog)
}

func TestExecute_LostClaimReturnsRateToken(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	done := createApproved(t, store, "sig:a:one", step("one"))
	next := createApproved(t, store, "sig:a:two", step("one"))
	cfg := DefaultConfig()
	cfg.MaxPerHour = 1
	e := newTestEngine(cfg, store, &scriptedExecutor{}, nil)

	// Another process claims the plan first
	require.NoError(t, store.Transition(ctx, done.ID, types.StatusApproved, types.StatusExecuting, "other", ""))
	_, err := e.Execute(ctx, done.ID)
	require.ErrorIs(t, err, storage.ErrStaleState)

	_, err = e.Execute(ctx, next.ID)
	assert.NoError(t, err, "token from the lost claim must be returned")
}

func TestExecute_SameSignatureAlreadyExecuting(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := createApproved(t, store, "sig:a:web", step("one"))
	second := createApproved(t, store, "sig:a:web", step("one"))
	exec := &scriptedExecutor{block: make(chan struct{})}
	e := newTestEngine(unlimited(), store, exec, nil)

	finished := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, first.ID)
		finished <- err
	}()
	require.Eventually(t, func() bool { return exec.runs.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := e.Execute(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrSignatureExecuting)

	close(exec.block)
	require.NoError(t, <-finished)

	got, err := store.GetPlan(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)
}
