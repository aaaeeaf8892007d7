package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// ActiveSuppressionRules loads every active suppression rule. Failures to
// read or decode the table are reported as ErrRegistryCorrupt.
func (s *SQLiteStorage) ActiveSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error) {
	return s.suppressionRules(ctx, `WHERE active = 1`)
}

// ListSuppressionRules returns all rules, including lifted ones, newest first.
func (s *SQLiteStorage) ListSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error) {
	return s.suppressionRules(ctx, ``)
}

func (s *SQLiteStorage) suppressionRules(ctx context.Context, where string) ([]types.SuppressionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, reason, created_at, rejection_count_at_creation, active
		FROM suppression_rules `+where+`
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query suppression rules: %v", ErrRegistryCorrupt, err)
	}
	defer rows.Close()

	var rules []types.SuppressionRule
	for rows.Next() {
		var rule types.SuppressionRule
		var createdAt string
		if err := rows.Scan(&rule.Signature, &rule.Reason, &createdAt, &rule.RejectionCountAtCreation, &rule.Active); err != nil {
			return nil, fmt.Errorf("%w: failed to scan suppression rule: %v", ErrRegistryCorrupt, err)
		}
		if rule.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	return rules, nil
}

// CreateSuppressionRule inserts an active rule. It reports false without error
// when an active rule for the signature already exists.
func (s *SQLiteStorage) CreateSuppressionRule(ctx context.Context, rule types.SuppressionRule) (bool, error) {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO suppression_rules (signature, reason, created_at, rejection_count_at_creation, active)
		VALUES (?, ?, ?, ?, 1)
	`, rule.Signature, rule.Reason, formatTime(rule.CreatedAt), rule.RejectionCountAtCreation)
	if err != nil {
		return false, fmt.Errorf("failed to create suppression rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// DeactivateSuppressionRule lifts the active rule for a signature. The row is
// kept for history. Returns false if no active rule existed.
func (s *SQLiteStorage) DeactivateSuppressionRule(ctx context.Context, signature string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE suppression_rules SET active = 0 WHERE signature = ? AND active = 1
	`, signature)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate suppression rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RecordRejection stores one rejection. Recording the same plan twice is a no-op.
func (s *SQLiteStorage) RecordRejection(ctx context.Context, rec types.RejectionRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rejections (signature, plan_id, at) VALUES (?, ?, ?)
	`, rec.Signature, rec.PlanID, formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

// CountRejections counts rejections of signature at or after since.
func (s *SQLiteStorage) CountRejections(ctx context.Context, signature string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rejections WHERE signature = ? AND at >= ?
	`, signature, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return n, nil
}

// UpsertPattern records a successful completion of steps for signature,
// bumping the usage count of an existing entry.
func (s *SQLiteStorage) UpsertPattern(ctx context.Context, signature string, steps []types.Step, at time.Time) error {
	template, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step template: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_entries (signature, step_template, usage_count, last_used_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(signature) DO UPDATE SET
			step_template = excluded.step_template,
			usage_count = pattern_entries.usage_count + 1,
			last_used_at = excluded.last_used_at
	`, signature, string(template), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to upsert pattern entry: %w", err)
	}
	return nil
}

// SimilarPatterns returns up to limit pattern entries relevant to signature:
// the exact entry first, then entries sharing its source:type prefix, most
// used first.
func (s *SQLiteStorage) SimilarPatterns(ctx context.Context, signature string, limit int) ([]types.PatternEntry, error) {
	prefix := signature
	if parts := strings.SplitN(signature, ":", 3); len(parts) == 3 {
		prefix = parts[0] + ":" + parts[1] + ":"
	}
	return s.patterns(ctx, `
		WHERE signature = ? OR substr(signature, 1, ?) = ?
		ORDER BY (signature = ?) DESC, usage_count DESC, last_used_at DESC
		LIMIT ?
	`, signature, len(prefix), prefix, signature, limit)
}

// ListPatterns returns every pattern entry, most used first.
func (s *SQLiteStorage) ListPatterns(ctx context.Context) ([]types.PatternEntry, error) {
	return s.patterns(ctx, `ORDER BY usage_count DESC, signature`)
}

func (s *SQLiteStorage) patterns(ctx context.Context, tail string, args ...any) ([]types.PatternEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, step_template, usage_count, last_used_at
		FROM pattern_entries `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pattern entries: %v", ErrRegistryCorrupt, err)
	}
	defer rows.Close()

	var entries []types.PatternEntry
	for rows.Next() {
		var entry types.PatternEntry
		var template, lastUsed string
		if err := rows.Scan(&entry.Signature, &template, &entry.UsageCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("%w: failed to scan pattern entry: %v", ErrRegistryCorrupt, err)
		}
		if err := json.Unmarshal([]byte(template), &entry.StepTemplate); err != nil {
			return nil, fmt.Errorf("%w: pattern %s has unreadable template: %v", ErrRegistryCorrupt, entry.Signature, err)
		}
		if entry.LastUsedAt, err = parseTime(lastUsed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	return entries, nil
}

// SignatureReport aggregates plan outcomes per signature, most rejected first.
// Dry-run plans are excluded.
func (s *SQLiteStorage) SignatureReport(ctx context.Context) ([]types.SignatureStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.signature,
			COUNT(*),
			SUM(CASE WHEN p.status = 'rejected' THEN 1 ELSE 0 END),
			SUM(CASE WHEN p.status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN p.status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN p.status = 'expired' THEN 1 ELSE 0 END),
			EXISTS (SELECT 1 FROM suppression_rules r WHERE r.signature = p.signature AND r.active = 1)
		FROM plans p
		WHERE p.dry_run = 0
		GROUP BY p.signature
		ORDER BY 3 DESC, p.signature
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signature report: %w", err)
	}
	defer rows.Close()

	var report []types.SignatureStats
	for rows.Next() {
		var st types.SignatureStats
		if err := rows.Scan(&st.Signature, &st.Total, &st.Rejected, &st.Completed, &st.Failed, &st.Expired, &st.Suppressed); err != nil {
			return nil, fmt.Errorf("failed to scan signature report: %w", err)
		}
		report = append(report, st)
	}
	return report, rows.Err()
}
