package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transition moves a plan from expected to next.
//
// The update is a compare-and-swap on the stored status: if another writer
// got there first the call fails with ErrStaleState and nothing changes. The
// audit event and, for approved/rejected, the human decision are written in
// the same transaction.
func (s *SQLiteStorage) Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error {
	if !types.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if next == types.StatusPendingApproval {
		var stepsJSON string
		err := tx.QueryRowContext(ctx, `SELECT steps FROM plans WHERE id = ?`, planID).Scan(&stepsJSON)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
		}
		if err != nil {
			return fmt.Errorf("failed to read plan steps: %w", err)
		}
		var steps []types.Step
		if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
			return fmt.Errorf("failed to parse steps of plan %s: %w", planID, err)
		}
		if len(steps) == 0 {
			return fmt.Errorf("%w: plan %s has no steps", ErrInvalidTransition, planID)
		}
	}

	now := s.now().UTC()
	var result sql.Result
	switch next {
	case types.StatusApproved, types.StatusRejected:
		result, err = tx.ExecContext(ctx, `
			UPDATE plans
			SET status = ?, updated_at = ?, decision_actor = ?, decision_at = ?, decision_note = ?
			WHERE id = ? AND status = ?
		`, next, formatTime(now), actor, formatTime(now), note, planID, expected)
	default:
		result, err = tx.ExecContext(ctx, `
			UPDATE plans SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, next, formatTime(now), planID, expected)
	}
	if err != nil {
		if next == types.StatusExecuting && isUniqueConstraintError(err) {
			return fmt.Errorf("plan %s: %w", planID, ErrSignatureExecuting)
		}
		return fmt.Errorf("failed to update plan status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.staleOrMissing(ctx, tx, planID, expected)
	}

	if err := insertEvent(ctx, tx, planID, expected, next, actor, note, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// GetTransitions returns the audit trail of a plan, oldest first.
func (s *SQLiteStorage) GetTransitions(ctx context.Context, planID string) ([]types.TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, from_status, to_status, actor, note, at
		FROM plan_events
		WHERE plan_id = ?
		ORDER BY id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan events: %w", err)
	}
	defer rows.Close()

	var events []types.TransitionEvent
	for rows.Next() {
		var ev types.TransitionEvent
		var at string
		if err := rows.Scan(&ev.ID, &ev.PlanID, &ev.From, &ev.To, &ev.Actor, &ev.Note, &at); err != nil {
			return nil, fmt.Errorf("failed to scan plan event: %w", err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AppendExecutionLog appends a step outcome. Entries may only be appended
// while the plan is executing.
func (s *SQLiteStorage) AppendExecutionLog(ctx context.Context, planID string, entry types.ExecutionLogEntry) error {
	if !entry.Outcome.IsValid() {
		return fmt.Errorf("invalid step outcome: %s", entry.Outcome)
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_execution_log (plan_id, step_index, outcome, detail, at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM plans WHERE id = ? AND status = ?)
	`, planID, entry.StepIndex, entry.Outcome, entry.Detail, formatTime(entry.At), planID, types.StatusExecuting)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.staleOrMissing(ctx, s.db, planID, types.StatusExecuting)
	}
	return nil
}

func (s *SQLiteStorage) getExecutionLog(ctx context.Context, planID string) ([]types.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, outcome, detail, at
		FROM plan_execution_log
		WHERE plan_id = ?
		ORDER BY id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var entries []types.ExecutionLogEntry
	for rows.Next() {
		var entry types.ExecutionLogEntry
		var at string
		if err := rows.Scan(&entry.StepIndex, &entry.Outcome, &entry.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		if entry.At, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func insertEvent(ctx context.Context, ex execer, planID string, from, to types.Status, actor, note string, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO plan_events (plan_id, from_status, to_status, actor, note, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, planID, from, to, actor, note, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to record plan event: %w", err)
	}
	return nil
}

// staleOrMissing explains a compare-and-swap that affected no rows.
func (s *SQLiteStorage) staleOrMissing(ctx context.Context, ex execer, planID string, expected types.Status) error {
	var current types.Status
	err := ex.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, planID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return fmt.Errorf("failed to verify plan state: %w", err)
	}
	return fmt.Errorf("plan %s: expected %s but found %s: %w", planID, expected, current, ErrStaleState)
}
