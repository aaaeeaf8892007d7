package learning

import (
	"context"
	"strings"

	"github.com/planfirst/sreagent/internal/types"
)

// ReportStore supplies the data behind the rejection report
type ReportStore interface {
	SignatureReport(ctx context.Context) ([]types.SignatureStats, error)
	ListPlans(ctx context.Context, filter types.PlanFilter) ([]*types.Plan, error)
	ListSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error)
	ListPatterns(ctx context.Context) ([]types.PatternEntry, error)
}

// Report summarizes what the agent has learned from operator feedback
type Report struct {
	TotalPlans int `json:"total_plans"`
	Rejected   int `json:"rejected"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`

	// RejectionCategories buckets rejection notes (false positive,
	// superseded, user override, other)
	RejectionCategories map[string]int `json:"rejection_categories"`

	Signatures []types.SignatureStats  `json:"signatures"`
	Rules      []types.SuppressionRule `json:"rules"`
	Patterns   []types.PatternEntry    `json:"patterns"`
}

// RejectionRate is rejected over decided plans
func (r *Report) RejectionRate() float64 {
	decided := r.Rejected + r.Completed + r.Failed
	if decided == 0 {
		return 0
	}
	return float64(r.Rejected) / float64(decided)
}

// SuccessRate is completed over executed plans
func (r *Report) SuccessRate() float64 {
	executed := r.Completed + r.Failed
	if executed == 0 {
		return 0
	}
	return float64(r.Completed) / float64(executed)
}

// BuildReport aggregates plan outcomes, rules and patterns
func BuildReport(ctx context.Context, store ReportStore) (*Report, error) {
	stats, err := store.SignatureReport(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := store.ListSuppressionRules(ctx)
	if err != nil {
		return nil, err
	}
	patterns, err := store.ListPatterns(ctx)
	if err != nil {
		return nil, err
	}
	rejected, err := store.ListPlans(ctx, types.PlanFilter{Statuses: []types.Status{types.StatusRejected}})
	if err != nil {
		return nil, err
	}

	r := &Report{
		RejectionCategories: make(map[string]int),
		Signatures:          stats,
		Rules:               rules,
		Patterns:            patterns,
	}
	for _, s := range stats {
		r.TotalPlans += s.Total
		r.Rejected += s.Rejected
		r.Completed += s.Completed
		r.Failed += s.Failed
		r.Expired += s.Expired
	}
	for _, p := range rejected {
		note := ""
		if p.Decision != nil {
			note = p.Decision.Note
		}
		r.RejectionCategories[CategorizeRejection(note)]++
	}
	return r, nil
}

// CategorizeRejection buckets a free-form rejection note
func CategorizeRejection(note string) string {
	note = strings.ToLower(note)
	switch {
	case strings.Contains(note, "false positive"):
		if strings.Contains(note, "network") {
			return "false_positive_network"
		}
		return "false_positive_other"
	case strings.Contains(note, "superseded"):
		return "superseded"
	case strings.Contains(note, "user"):
		return "user_override"
	}
	return "other"
}
