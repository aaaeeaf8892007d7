package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

const planColumns = `id, signature, severity, description, steps, status, context, dry_run,
	decision_actor, decision_at, decision_note, created_at, updated_at, expires_at`

// CreatePlan inserts a new plan and records its creation in the audit trail.
// Plans may only be created as proposed.
func (s *SQLiteStorage) CreatePlan(ctx context.Context, plan *types.Plan, actor string) error {
	if plan.Status == "" {
		plan.Status = types.StatusProposed
	}
	if plan.Status != types.StatusProposed {
		return fmt.Errorf("%w: plans must be created as %s, got %s", ErrInvalidTransition, types.StatusProposed, plan.Status)
	}
	now := s.now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.CreatedAt = plan.CreatedAt.UTC()
	plan.UpdatedAt = plan.CreatedAt
	if plan.ExpiresAt != nil {
		exp := plan.ExpiresAt.UTC()
		plan.ExpiresAt = &exp
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	stepsJSON, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	var contextJSON sql.NullString
	if plan.Context != nil {
		data, err := json.Marshal(plan.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
		contextJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, signature, severity, description, steps, status, context, dry_run,
			created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.Signature, plan.Severity, plan.Description, string(stepsJSON), plan.Status,
		contextJSON, plan.DryRun, formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt), nullTime(plan.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	if err := insertEvent(ctx, tx, plan.ID, "", plan.Status, actor, "created", plan.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetPlan retrieves a plan by exact id, including its execution log.
func (s *SQLiteStorage) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}

	log, err := s.getExecutionLog(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.ExecutionLog = log
	return plan, nil
}

// ResolvePlanID maps an exact id, a unique id prefix, or a unique id suffix
// to the full plan id. Ids are time-ordered, so plans created close together
// share long prefixes; the short id shown to operators is the random suffix.
func (s *SQLiteStorage) ResolvePlanID(ctx context.Context, ref string) (string, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return "", fmt.Errorf("%w: empty plan reference", ErrPlanNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM plans
		WHERE id = ? OR substr(id, 1, ?) = ? OR substr(id, -?) = ?
		ORDER BY (id = ?) DESC, id
		LIMIT 2
	`, ref, len(ref), ref, len(ref), ref, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plan id: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan plan id: %w", err)
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to resolve plan id: %w", err)
	}

	switch {
	case len(matches) == 0:
		return "", fmt.Errorf("%w: %s", ErrPlanNotFound, ref)
	case matches[0] == ref || len(matches) == 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousPlanID, ref)
	}
}

// ListPlans returns plans matching the filter, newest first. Execution logs
// are not loaded; use GetPlan for the full record.
func (s *SQLiteStorage) ListPlans(ctx context.Context, filter types.PlanFilter) ([]*types.Plan, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Signature != "" {
		where = append(where, "signature = ?")
		args = append(args, filter.Signature)
	}
	if !filter.IncludeDryRun {
		where = append(where, "dry_run = 0")
	}

	query := `SELECT ` + planColumns + ` FROM plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryPlans(ctx, query, args...)
}

// MostRecentPending returns the newest plan awaiting approval.
func (s *SQLiteStorage) MostRecentPending(ctx context.Context) (*types.Plan, error) {
	plans, err := s.ListPlans(ctx, types.PlanFilter{
		Statuses: []types.Status{types.StatusPendingApproval},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no pending plans", ErrPlanNotFound)
	}
	return plans[0], nil
}

// FindOpenBySignature returns the newest undecided live plan for signature
// created at or after since, or nil if there is none.
func (s *SQLiteStorage) FindOpenBySignature(ctx context.Context, signature string, since time.Time) (*types.Plan, error) {
	plans, err := s.queryPlans(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE signature = ? AND created_at >= ? AND dry_run = 0
		  AND status IN (?, ?, ?, ?)
		ORDER BY id DESC
		LIMIT 1
	`, signature, formatTime(since),
		types.StatusProposed, types.StatusPendingApproval, types.StatusApproved, types.StatusExecuting)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}
	return plans[0], nil
}

// ExpiredPending returns pending plans whose deadline is before now.
func (s *SQLiteStorage) ExpiredPending(ctx context.Context, now time.Time) ([]*types.Plan, error) {
	return s.queryPlans(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY id
	`, types.StatusPendingApproval, formatTime(now))
}

// ExtendDeadline moves the approval deadline of a pending plan. It is a
// compare-and-swap on pending_approval and never changes the state.
func (s *SQLiteStorage) ExtendDeadline(ctx context.Context, planID string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, formatTime(expiresAt), formatTime(s.now()), planID, types.StatusPendingApproval)
	if err != nil {
		return fmt.Errorf("failed to extend deadline: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.staleOrMissing(ctx, s.db, planID, types.StatusPendingApproval)
	}
	return nil
}

func (s *SQLiteStorage) queryPlans(ctx context.Context, query string, args ...any) ([]*types.Plan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*types.Plan, error) {
	var (
		plan                                    types.Plan
		stepsJSON                               string
		contextJSON                             sql.NullString
		decisionActor, decisionAt, decisionNote sql.NullString
		createdAt, updatedAt                    string
		expiresAt                               sql.NullString
	)
	err := row.Scan(&plan.ID, &plan.Signature, &plan.Severity, &plan.Description, &stepsJSON,
		&plan.Status, &contextJSON, &plan.DryRun, &decisionActor, &decisionAt, &decisionNote,
		&createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps of plan %s: %w", plan.ID, err)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &plan.Context); err != nil {
			return nil, fmt.Errorf("failed to parse context of plan %s: %w", plan.ID, err)
		}
	}
	if plan.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if plan.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if plan.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if decisionActor.Valid {
		at, err := parseTime(decisionAt.String)
		if err != nil {
			return nil, err
		}
		plan.Decision = &types.Decision{
			Actor: decisionActor.String,
			At:    at,
			Note:  decisionNote.String,
		}
	}
	return &plan, nil
}
