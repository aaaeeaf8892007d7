package sqlite

import "errors"

var (
	// ErrPlanNotFound is returned when no plan matches an id or prefix.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrAmbiguousPlanID is returned when a prefix matches more than one plan.
	ErrAmbiguousPlanID = errors.New("plan id prefix is ambiguous")

	// ErrStaleState is returned when a compare-and-swap finds a different
	// stored state than the caller expected.
	ErrStaleState = errors.New("stale plan state")

	// ErrInvalidTransition is returned for an edge the state machine does not have.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSignatureExecuting is returned when another plan with the same
	// signature already holds the executing state.
	ErrSignatureExecuting = errors.New("another plan for this signature is executing")

	// ErrRegistryCorrupt is returned when the suppression/pattern registry
	// cannot be read back.
	ErrRegistryCorrupt = errors.New("registry corrupt")
)
