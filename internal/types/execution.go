package types

// RunMode defines how a scheduler cycle treats the plans it generates
//
// ModeLive (default): full pipeline
//   - New plans are surfaced as pending_approval
//   - Humans are notified
//   - Approved plans are executed
//
// ModeDryRun: evaluation and generation only
//   - New plans stay in proposed
//   - Nothing is notified or executed
//   - Plans never appear in the pending list
type RunMode string

const (
	// ModeLive is the default mode
	ModeLive RunMode = "live"

	// ModeDryRun stops every plan at proposed
	ModeDryRun RunMode = "dry-run"
)

// IsValid checks if the run mode value is valid
func (m RunMode) IsValid() bool {
	switch m {
	case ModeLive, ModeDryRun:
		return true
	}
	return false
}

// IsDryRun returns true if this is dry-run mode
func (m RunMode) IsDryRun() bool {
	return m == ModeDryRun
}
