package learning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planfirst/sreagent/internal/evaluator"
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

// decide creates a pending plan for signature and moves it to status
func decide(t *testing.T, store storage.Storage, signature string, status types.Status, note string) *types.Plan {
	t.Helper()
	ctx := context.Background()
	id, err := types.NewPlanID()
	require.NoError(t, err)
	plan := &types.Plan{
		ID:          id,
		Signature:   signature,
		Severity:    types.SeverityWarning,
		Description: "Network check failed\nRoot cause: router flaps",
		Steps:       []types.Step{{Action: "shell", Target: "router", Payload: "ping -c1 10.0.0.1", Rationale: "probe"}},
	}
	require.NoError(t, store.CreatePlan(ctx, plan, "test"))
	require.NoError(t, store.Transition(ctx, id, types.StatusProposed, types.StatusPendingApproval, "test", ""))

	switch status {
	case types.StatusRejected, types.StatusExpired:
		require.NoError(t, store.Transition(ctx, id, types.StatusPendingApproval, status, "alice", note))
	case types.StatusCompleted, types.StatusFailed:
		require.NoError(t, store.Transition(ctx, id, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
		require.NoError(t, store.Transition(ctx, id, types.StatusApproved, types.StatusExecuting, "executor", ""))
		outcome := types.OutcomeSucceeded
		if status == types.StatusFailed {
			outcome = types.OutcomeFailed
		}
		require.NoError(t, store.AppendExecutionLog(ctx, id, types.ExecutionLogEntry{StepIndex: 0, Outcome: outcome, At: time.Now()}))
		require.NoError(t, store.Transition(ctx, id, types.StatusExecuting, status, "executor", ""))
	}

	got, err := store.GetPlan(ctx, id)
	require.NoError(t, err)
	return got
}

func newEngine(t *testing.T, store storage.Storage) (*Engine, *Registry) {
	t.Helper()
	registry, err := Load(context.Background(), store)
	require.NoError(t, err)
	return NewEngine(DefaultConfig(), store, registry), registry
}

// Eleven rejections of the same signature create one rule at the threshold
// and the next observation is suppressed.
func TestRepeatedRejectionsSuppressSignature(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, registry := newEngine(t, store)
	const sig = "network_healthy_containers"

	for i := 1; i <= 11; i++ {
		plan := decide(t, store, sig, types.StatusRejected, "false positive, network is fine")
		require.NoError(t, engine.OnTerminal(ctx, plan))

		_, suppressed := registry.Suppression(sig)
		assert.Equal(t, i >= 10, suppressed, "after %d rejections", i)
	}

	rules, err := store.ListSuppressionRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1, "exactly one rule per signature")
	assert.Equal(t, sig, rules[0].Signature)
	assert.Equal(t, 10, rules[0].RejectionCountAtCreation)
	assert.Contains(t, rules[0].Reason, "Network check failed")
	assert.NotContains(t, rules[0].Reason, "Root cause")

	eval := evaluator.New(evaluator.DefaultConfig(), registry, store)
	d, err := eval.Evaluate(ctx, types.Issue{Source: "network", Type: "check", Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, evaluator.OutcomeSuppressed, d.Outcome)

	// A restart sees the same rule
	reloaded, err := Load(ctx, store)
	require.NoError(t, err)
	_, ok := reloaded.Suppression(sig)
	assert.True(t, ok)
}

func TestRejectionCountedOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, _ := newEngine(t, store)

	plan := decide(t, store, "docker:container_stopped:web", types.StatusRejected, "")
	require.NoError(t, engine.OnTerminal(ctx, plan))
	require.NoError(t, engine.OnTerminal(ctx, plan))

	n, err := store.CountRejections(ctx, plan.Signature, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejectionsOutsideWindowDoNotCount(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	registry, err := Load(ctx, store)
	require.NoError(t, err)
	engine := NewEngine(Config{SuppressionThreshold: 2, RejectionWindow: time.Hour}, store, registry)
	const sig = "disk:usage_high:_data"

	// An old rejection from before the window
	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{
		Signature: sig, PlanID: "old-plan", At: time.Now().Add(-2 * time.Hour),
	}))

	plan := decide(t, store, sig, types.StatusRejected, "")
	require.NoError(t, engine.OnTerminal(ctx, plan))
	_, ok := registry.Suppression(sig)
	assert.False(t, ok)

	plan = decide(t, store, sig, types.StatusRejected, "")
	require.NoError(t, engine.OnTerminal(ctx, plan))
	_, ok = registry.Suppression(sig)
	assert.True(t, ok)
}

func TestCompletedPlanReinforcesPattern(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, _ := newEngine(t, store)
	const sig = "docker:container_unhealthy:web"

	for i := 0; i < 2; i++ {
		require.NoError(t, engine.OnTerminal(ctx, decide(t, store, sig, types.StatusCompleted, "")))
	}

	patterns, err := store.SimilarPatterns(ctx, sig, 3)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].UsageCount)
	assert.Equal(t, "ping -c1 10.0.0.1", patterns[0].StepTemplate[0].Payload)
}

func TestSkippedOnlyCompletionIsNotAPattern(t *testing.T) {
	store := setupStore(t)
	engine, _ := newEngine(t, store)
	plan := &types.Plan{
		ID:        "p1",
		Signature: "docker:container_unhealthy:web",
		Status:    types.StatusCompleted,
		Steps:     []types.Step{{Action: "shell", Target: "web", Payload: "true", Rationale: "r"}},
		ExecutionLog: []types.ExecutionLogEntry{
			{StepIndex: 0, Outcome: types.OutcomeSkipped, Detail: "dry run"},
		},
	}
	require.NoError(t, engine.OnTerminal(context.Background(), plan))

	patterns, err := store.ListPatterns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestFailedAndExpiredLeaveRegistryAlone(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, registry := newEngine(t, store)
	engine.cfg.SuppressionThreshold = 1

	for _, status := range []types.Status{types.StatusFailed, types.StatusExpired} {
		plan := decide(t, store, "svc:down:api", status, "")
		require.NoError(t, engine.OnTerminal(ctx, plan))
	}

	assert.Empty(t, registry.Rules())
	patterns, err := store.ListPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, patterns)
	n, err := store.CountRejections(ctx, "svc:down:api", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnTerminalIgnoresOpenAndDryRunPlans(t *testing.T) {
	store := setupStore(t)
	engine, registry := newEngine(t, store)
	engine.cfg.SuppressionThreshold = 1
	ctx := context.Background()

	require.NoError(t, engine.OnTerminal(ctx, &types.Plan{ID: "a", Signature: "x", Status: types.StatusApproved}))
	require.NoError(t, engine.OnTerminal(ctx, &types.Plan{ID: "b", Signature: "x", Status: types.StatusRejected, DryRun: true}))
	assert.Empty(t, registry.Rules())
}

func TestRegistryLift(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, registry := newEngine(t, store)
	engine.cfg.SuppressionThreshold = 1
	const sig = "svc:down:api"

	require.NoError(t, engine.OnTerminal(ctx, decide(t, store, sig, types.StatusRejected, "")))
	require.Len(t, registry.Rules(), 1)

	lifted, err := registry.Lift(ctx, "  SVC:down:api ")
	require.NoError(t, err)
	assert.True(t, lifted)
	_, ok := registry.Suppression(sig)
	assert.False(t, ok)

	lifted, err = registry.Lift(ctx, sig)
	require.NoError(t, err)
	assert.False(t, lifted)

	active, err := store.ActiveSuppressionRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEngineSuppressAndLift(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	engine, registry := newEngine(t, store)
	require.NoError(t, engine.OnTerminal(ctx, decide(t, store, "svc:down:api", types.StatusRejected, "noisy")))
	require.Empty(t, registry.Rules())

	created, err := engine.Suppress(ctx, " SVC:down:api", "maintenance window")
	require.NoError(t, err)
	assert.True(t, created)
	rule, ok := registry.Suppression("svc:down:api")
	require.True(t, ok)
	assert.Equal(t, "maintenance window", rule.Reason)
	assert.Equal(t, 1, rule.RejectionCountAtCreation)

	created, err = engine.Suppress(ctx, "svc:down:api", "again")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = engine.Suppress(ctx, "  ", "blank")
	assert.Error(t, err)

	lifted, err := engine.Lift(ctx, "svc:down:api")
	require.NoError(t, err)
	assert.True(t, lifted)
	assert.Empty(t, registry.Rules())

	active, err := store.ActiveSuppressionRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSuppressionReasonKeepsRunesWhole(t *testing.T) {
	plan := &types.Plan{Description: strings.Repeat("ü", 150)}
	reason := suppressionReason(plan, 10)
	assert.True(t, utf8.ValidString(reason))
	assert.True(t, strings.HasSuffix(reason, strings.Repeat("ü", 100)+"..."))
}

type brokenRules struct{}

func (brokenRules) ActiveSuppressionRules(context.Context) ([]types.SuppressionRule, error) {
	return nil, fmt.Errorf("%w: bad row", storage.ErrRegistryCorrupt)
}

func (brokenRules) DeactivateSuppressionRule(context.Context, string) (bool, error) {
	return false, errors.New("unreachable")
}

func TestLoadCorruptRegistry(t *testing.T) {
	_, err := Load(context.Background(), brokenRules{})
	assert.ErrorIs(t, err, storage.ErrRegistryCorrupt)
}

func TestBuildReport(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	decide(t, store, "net:down:wan", types.StatusRejected, "False positive, network was fine")
	decide(t, store, "net:down:wan", types.StatusRejected, "superseded by newer plan")
	decide(t, store, "docker:container_stopped:web", types.StatusCompleted, "")
	decide(t, store, "docker:container_stopped:web", types.StatusFailed, "")
	decide(t, store, "disk:usage_high:_data", types.StatusExpired, "")

	r, err := BuildReport(ctx, store)
	require.NoError(t, err)

	assert.Equal(t, 5, r.TotalPlans)
	assert.Equal(t, 2, r.Rejected)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Expired)
	assert.InDelta(t, 0.5, r.RejectionRate(), 0.001)
	assert.InDelta(t, 0.5, r.SuccessRate(), 0.001)
	assert.Equal(t, map[string]int{"false_positive_network": 1, "superseded": 1}, r.RejectionCategories)
	require.NotEmpty(t, r.Signatures)
	assert.Equal(t, "net:down:wan", r.Signatures[0].Signature, "most rejected first")
}

func TestCategorizeRejection(t *testing.T) {
	tests := map[string]string{
		"False positive on network check": "false_positive_network",
		"false positive":                  "false_positive_other",
		"Superseded":                      "superseded",
		"user will handle it":             "user_override",
		"":                                "other",
	}
	for note, want := range tests {
		assert.Equal(t, want, CategorizeRejection(note), note)
	}
}

func TestObserveLearnsFromTerminalTransitions(t *testing.T) {
	base := setupStore(t)
	ctx := context.Background()
	engine, registry := newEngine(t, base)
	engine.cfg.SuppressionThreshold = 1
	store := engine.Observe(base)

	id, err := types.NewPlanID()
	require.NoError(t, err)
	require.NoError(t, store.CreatePlan(ctx, &types.Plan{
		ID:        id,
		Signature: "svc:down:api",
		Severity:  types.SeverityCritical,
		Steps:     []types.Step{{Action: "noop", Target: "api", Rationale: "r"}},
	}, "test"))
	require.NoError(t, store.Transition(ctx, id, types.StatusProposed, types.StatusPendingApproval, "test", ""))
	_, suppressed := registry.Suppression("svc:down:api")
	assert.False(t, suppressed, "non-terminal transitions are not learned from")

	require.NoError(t, store.Transition(ctx, id, types.StatusPendingApproval, types.StatusRejected, "alice", "noise"))
	_, suppressed = registry.Suppression("svc:down:api")
	assert.True(t, suppressed)

	err = store.Transition(ctx, id, types.StatusPendingApproval, types.StatusRejected, "bob", "")
	assert.ErrorIs(t, err, storage.ErrStaleState, "failed transitions pass through untouched")
}
