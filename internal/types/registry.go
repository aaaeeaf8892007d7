package types

import "time"

// SuppressionRule silences an observation signature so it is never escalated
// again. At most one active rule exists per signature.
type SuppressionRule struct {
	Signature                string    `json:"signature"`
	Reason                   string    `json:"reason"`
	CreatedAt                time.Time `json:"created_at"`
	RejectionCountAtCreation int       `json:"rejection_count_at_creation"`
	Active                   bool      `json:"active"`
}

// PatternEntry remembers a step sequence that completed successfully for a
// signature. Entries are updated in place on each successful completion.
type PatternEntry struct {
	Signature    string    `json:"signature"`
	StepTemplate []Step    `json:"step_template"`
	UsageCount   int       `json:"usage_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// RejectionRecord is one human rejection, the unit counted by the
// rolling-window suppression threshold.
type RejectionRecord struct {
	Signature string    `json:"signature"`
	PlanID    string    `json:"plan_id"`
	At        time.Time `json:"at"`
}

// TransitionEvent is an audit record appended for every plan state change.
type TransitionEvent struct {
	ID     int64     `json:"id"`
	PlanID string    `json:"plan_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// SignatureStats aggregates outcomes per signature for the rejection report.
type SignatureStats struct {
	Signature  string `json:"signature"`
	Total      int    `json:"total"`
	Rejected   int    `json:"rejected"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Expired    int    `json:"expired"`
	Suppressed bool   `json:"suppressed"`
}

// RejectionRate is rejected over decided plans (rejected + completed + failed).
func (s SignatureStats) RejectionRate() float64 {
	decided := s.Rejected + s.Completed + s.Failed
	if decided == 0 {
		return 0
	}
	return float64(s.Rejected) / float64(decided)
}

// SuccessRate is completed over executed plans.
func (s SignatureStats) SuccessRate() float64 {
	executed := s.Completed + s.Failed
	if executed == 0 {
		return 0
	}
	return float64(s.Completed) / float64(executed)
}
