package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planfirst/sreagent/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := New(context.Background(), filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err, "failed to create storage")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestPlan(t *testing.T, signature string) *types.Plan {
	t.Helper()
	id, err := types.NewPlanID()
	require.NoError(t, err)
	return &types.Plan{
		ID:          id,
		Signature:   signature,
		Severity:    types.SeverityWarning,
		Description: "container " + signature + " unhealthy",
		Steps: []types.Step{
			{Action: "shell", Target: "web", Payload: "docker restart web", Rationale: "restart", TimeoutSeconds: 30},
			{Action: "noop", Target: "web", Rationale: "verify"},
		},
	}
}

// createPending inserts a plan and moves it to pending_approval.
func createPending(t *testing.T, store *SQLiteStorage, signature string) *types.Plan {
	t.Helper()
	ctx := context.Background()
	plan := newTestPlan(t, signature)
	require.NoError(t, store.CreatePlan(ctx, plan, "scheduler"))
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusProposed, types.StatusPendingApproval, "scheduler", ""))
	return plan
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "plans.db")
	store, err := New(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()
	assert.FileExists(t, path)
}

func TestPlanRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	expires := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	plan := newTestPlan(t, "docker:container_unhealthy:web")
	plan.CreatedAt = time.Date(2026, 3, 1, 11, 30, 0, 987654321, time.UTC)
	plan.ExpiresAt = &expires
	plan.Context = map[string]any{"container": "web", "message": "health check failed"}

	require.NoError(t, store.CreatePlan(ctx, plan, "scheduler"))

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan, got)
	assert.Equal(t, types.StatusProposed, got.Status)
	assert.Nil(t, got.Decision)
	assert.Empty(t, got.ExecutionLog)
}

func TestCreatePlanRejectsNonProposed(t *testing.T) {
	store := setupTestDB(t)
	plan := newTestPlan(t, "sig")
	plan.Status = types.StatusApproved

	err := store.CreatePlan(context.Background(), plan, "test")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreatePlanValidates(t *testing.T) {
	store := setupTestDB(t)
	plan := newTestPlan(t, "sig")
	plan.Steps[0].Rationale = ""

	err := store.CreatePlan(context.Background(), plan, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid plan")
}

func TestGetPlanNotFound(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestTransitionCompareAndSwap(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := createPending(t, store, "sig")

	// Stale expectation: plan is pending, not approved
	err := store.Transition(ctx, plan.ID, types.StatusApproved, types.StatusExecuting, "executor", "")
	assert.ErrorIs(t, err, ErrStaleState)

	// Not an edge at all
	err = store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusCompleted, "executor", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown id
	err = store.Transition(ctx, "nope", types.StatusPendingApproval, types.StatusApproved, "alice", "")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingApproval, got.Status)
}

func TestTransitionRecordsDecision(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := createPending(t, store, "sig")

	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusRejected, "alice", "false positive"))

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "alice", got.Decision.Actor)
	assert.Equal(t, "false positive", got.Decision.Note)
	assert.False(t, got.Decision.At.IsZero())

	// Terminal: nothing leaves rejected
	err = store.Transition(ctx, plan.ID, types.StatusRejected, types.StatusApproved, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionToPendingRequiresSteps(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := newTestPlan(t, "sig")
	plan.Steps = nil
	require.NoError(t, store.CreatePlan(ctx, plan, "scheduler"))

	err := store.Transition(ctx, plan.ID, types.StatusProposed, types.StatusPendingApproval, "scheduler", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionAuditTrailIsValidPath(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := createPending(t, store, "sig")

	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusApproved, types.StatusExecuting, "executor", ""))
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusExecuting, types.StatusCompleted, "executor", ""))

	events, err := store.GetTransitions(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)

	var path []types.Status
	for i, ev := range events {
		if i > 0 {
			assert.Equal(t, events[i-1].To, ev.From, "event %d", i)
		}
		path = append(path, ev.To)
	}
	assert.True(t, types.ValidPath(path), "path %v", path)
	assert.Equal(t, types.Status(""), events[0].From)
	assert.Equal(t, "alice", events[2].Actor)
}

func TestConcurrentExecuteExclusivity(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := createPending(t, store, "sig")
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusApproved, "alice", ""))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Transition(ctx, plan.ID, types.StatusApproved, types.StatusExecuting, "executor", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleState)
	}
	assert.Equal(t, 1, wins)
}

func TestOneExecutingPlanPerSignature(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := createPending(t, store, "sig")
	second := createPending(t, store, "sig")
	for _, p := range []*types.Plan{first, second} {
		require.NoError(t, store.Transition(ctx, p.ID, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
	}

	require.NoError(t, store.Transition(ctx, first.ID, types.StatusApproved, types.StatusExecuting, "executor", ""))
	err := store.Transition(ctx, second.ID, types.StatusApproved, types.StatusExecuting, "executor", "")
	assert.ErrorIs(t, err, ErrSignatureExecuting)

	got, err := store.GetPlan(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)

	require.NoError(t, store.Transition(ctx, first.ID, types.StatusExecuting, types.StatusFailed, "executor", ""))
	assert.NoError(t, store.Transition(ctx, second.ID, types.StatusApproved, types.StatusExecuting, "executor", ""))
}

func TestAppendExecutionLog(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	plan := createPending(t, store, "sig")

	entry := types.ExecutionLogEntry{StepIndex: 0, Outcome: types.OutcomeSucceeded, Detail: "ok"}
	err := store.AppendExecutionLog(ctx, plan.ID, entry)
	assert.ErrorIs(t, err, ErrStaleState, "log is append-only while executing")

	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusApproved, types.StatusExecuting, "executor", ""))
	require.NoError(t, store.AppendExecutionLog(ctx, plan.ID, entry))
	require.NoError(t, store.AppendExecutionLog(ctx, plan.ID, types.ExecutionLogEntry{StepIndex: 1, Outcome: types.OutcomeFailed, Detail: "exit status 1"}))

	err = store.AppendExecutionLog(ctx, plan.ID, types.ExecutionLogEntry{StepIndex: 2, Outcome: "exploded"})
	assert.Error(t, err)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, got.ExecutionLog, 2)
	assert.Equal(t, types.OutcomeSucceeded, got.ExecutionLog[0].Outcome)
	assert.Equal(t, 1, got.ExecutionLog[1].StepIndex)
	assert.Equal(t, "exit status 1", got.ExecutionLog[1].Detail)
}

func TestResolvePlanID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"abc-111", "abc-222", "abd-333"} {
		plan := newTestPlan(t, "sig")
		plan.ID = id
		require.NoError(t, store.CreatePlan(ctx, plan, "test"))
	}

	id, err := store.ResolvePlanID(ctx, "abc-111")
	require.NoError(t, err)
	assert.Equal(t, "abc-111", id)

	id, err = store.ResolvePlanID(ctx, "ABD")
	require.NoError(t, err)
	assert.Equal(t, "abd-333", id)

	id, err = store.ResolvePlanID(ctx, "222")
	require.NoError(t, err)
	assert.Equal(t, "abc-222", id, "unique suffix")

	_, err = store.ResolvePlanID(ctx, "abc")
	assert.ErrorIs(t, err, ErrAmbiguousPlanID)

	_, err = store.ResolvePlanID(ctx, "zzz")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	_, err = store.ResolvePlanID(ctx, " ")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestListPlansAndMostRecentPending(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.MostRecentPending(ctx)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	older := createPending(t, store, "a")
	newer := createPending(t, store, "b")

	dry := newTestPlan(t, "c")
	dry.DryRun = true
	require.NoError(t, store.CreatePlan(ctx, dry, "scheduler"))

	latest, err := store.MostRecentPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	pending, err := store.ListPlans(ctx, types.PlanFilter{Statuses: []types.Status{types.StatusPendingApproval}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, newer.ID, pending[0].ID)
	assert.Equal(t, older.ID, pending[1].ID)

	all, err := store.ListPlans(ctx, types.PlanFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "dry-run plans are hidden by default")

	all, err = store.ListPlans(ctx, types.PlanFilter{IncludeDryRun: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bySig, err := store.ListPlans(ctx, types.PlanFilter{Signature: "a"})
	require.NoError(t, err)
	require.Len(t, bySig, 1)
	assert.Equal(t, older.ID, bySig[0].ID)
}

func TestFindOpenBySignature(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	since := time.Now().Add(-2 * time.Hour)

	got, err := store.FindOpenBySignature(ctx, "sig", since)
	require.NoError(t, err)
	assert.Nil(t, got)

	dry := newTestPlan(t, "sig")
	dry.DryRun = true
	require.NoError(t, store.CreatePlan(ctx, dry, "scheduler"))
	got, err = store.FindOpenBySignature(ctx, "sig", since)
	require.NoError(t, err)
	assert.Nil(t, got, "dry-run plans never count as open")

	plan := createPending(t, store, "sig")
	got, err = store.FindOpenBySignature(ctx, "sig", since)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, plan.ID, got.ID)

	// Outside the window
	got, err = store.FindOpenBySignature(ctx, "sig", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	// Decided plans are not open
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusRejected, "alice", ""))
	got, err = store.FindOpenBySignature(ctx, "sig", since)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiryAndDeadlineExtension(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	plan := newTestPlan(t, "sig")
	past := now.Add(-time.Minute)
	plan.ExpiresAt = &past
	require.NoError(t, store.CreatePlan(ctx, plan, "scheduler"))

	expired, err := store.ExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired, "proposed plans do not expire")

	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusProposed, types.StatusPendingApproval, "scheduler", ""))
	expired, err = store.ExpiredPending(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, store.ExtendDeadline(ctx, plan.ID, now.Add(time.Hour)))
	expired, err = store.ExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingApproval, got.Status)
	assert.True(t, got.ExpiresAt.After(now))

	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusPendingApproval, types.StatusExpired, "scheduler", "deadline passed"))
	err = store.ExtendDeadline(ctx, plan.ID, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrStaleState)
	assert.ErrorIs(t, store.ExtendDeadline(ctx, "missing", now), ErrPlanNotFound)
}

// Stored times must compare in time order even when one side has no
// fractional second.
func TestTimeComparisonsAtSubSecondBoundary(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	deadline := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := deadline.Add(500 * time.Millisecond)

	plan := newTestPlan(t, "sig")
	plan.ExpiresAt = &deadline
	require.NoError(t, store.CreatePlan(ctx, plan, "scheduler"))
	require.NoError(t, store.Transition(ctx, plan.ID, types.StatusProposed, types.StatusPendingApproval, "scheduler", ""))

	expired, err := store.ExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{Signature: "sig", PlanID: plan.ID, At: now}))
	n, err := store.CountRejections(ctx, "sig", deadline)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "2026-01-01T10:00:00.000000000Z", formatTime(deadline))
	assert.Equal(t, "2026-01-01T10:00:00.500000000Z", formatTime(now))
	legacy, err := parseTime("2026-01-01T10:00:00.5Z")
	require.NoError(t, err)
	assert.True(t, legacy.Equal(now))
}

func TestSuppressionRules(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	created, err := store.CreateSuppressionRule(ctx, types.SuppressionRule{Signature: "sig", Reason: "noisy", RejectionCountAtCreation: 10})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateSuppressionRule(ctx, types.SuppressionRule{Signature: "sig", Reason: "again"})
	require.NoError(t, err)
	assert.False(t, created, "at most one active rule per signature")

	rules, err := store.ActiveSuppressionRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "noisy", rules[0].Reason)
	assert.Equal(t, 10, rules[0].RejectionCountAtCreation)
	assert.True(t, rules[0].Active)

	lifted, err := store.DeactivateSuppressionRule(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, lifted)

	rules, err = store.ActiveSuppressionRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	all, err := store.ListSuppressionRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)

	created, err = store.CreateSuppressionRule(ctx, types.SuppressionRule{Signature: "sig", Reason: "back"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRejectionWindow(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{Signature: "sig", PlanID: "p1", At: now.Add(-40 * 24 * time.Hour)}))
	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{Signature: "sig", PlanID: "p2", At: now.Add(-time.Hour)}))
	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{Signature: "sig", PlanID: "p2", At: now}))
	require.NoError(t, store.RecordRejection(ctx, types.RejectionRecord{Signature: "other", PlanID: "p3", At: now}))

	n, err := store.CountRejections(ctx, "sig", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPatterns(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	steps := []types.Step{{Action: "shell", Target: "web", Payload: "docker restart web", Rationale: "restart"}}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertPattern(ctx, "docker:container_unhealthy:web", steps, t0))
	require.NoError(t, store.UpsertPattern(ctx, "docker:container_unhealthy:web", steps, t0.Add(time.Hour)))
	require.NoError(t, store.UpsertPattern(ctx, "docker:container_unhealthy:db", steps, t0))
	require.NoError(t, store.UpsertPattern(ctx, "docker:container_unhealthy:db", steps, t0))
	require.NoError(t, store.UpsertPattern(ctx, "docker:container_unhealthy:db", steps, t0))
	require.NoError(t, store.UpsertPattern(ctx, "system:disk_space_low:_", steps, t0))

	similar, err := store.SimilarPatterns(ctx, "docker:container_unhealthy:web", 3)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "docker:container_unhealthy:web", similar[0].Signature, "exact match first")
	assert.Equal(t, 2, similar[0].UsageCount)
	assert.Equal(t, t0.Add(time.Hour), similar[0].LastUsedAt)
	assert.Equal(t, steps, similar[0].StepTemplate)
	assert.Equal(t, "docker:container_unhealthy:db", similar[1].Signature)

	all, err := store.ListPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, all[0].UsageCount)
}

func TestCorruptPatternIsRegistryCorrupt(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO pattern_entries (signature, step_template, usage_count, last_used_at)
		VALUES ('sig', '{not json', 1, '2026-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	_, err = store.ListPatterns(ctx)
	assert.True(t, errors.Is(err, ErrRegistryCorrupt), "got %v", err)
}

func TestSignatureReport(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := createPending(t, store, "noisy")
		require.NoError(t, store.Transition(ctx, p.ID, types.StatusPendingApproval, types.StatusRejected, "alice", ""))
	}
	ok := createPending(t, store, "useful")
	require.NoError(t, store.Transition(ctx, ok.ID, types.StatusPendingApproval, types.StatusApproved, "alice", ""))
	require.NoError(t, store.Transition(ctx, ok.ID, types.StatusApproved, types.StatusExecuting, "executor", ""))
	require.NoError(t, store.Transition(ctx, ok.ID, types.StatusExecuting, types.StatusCompleted, "executor", ""))
	_, err := store.CreateSuppressionRule(ctx, types.SuppressionRule{Signature: "noisy", Reason: "r"})
	require.NoError(t, err)

	report, err := store.SignatureReport(ctx)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, "noisy", report[0].Signature)
	assert.Equal(t, 3, report[0].Rejected)
	assert.True(t, report[0].Suppressed)
	assert.Equal(t, "useful", report[1].Signature)
	assert.Equal(t, 1, report[1].Completed)
	assert.False(t, report[1].Suppressed)
}
