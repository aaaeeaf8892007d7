package storage

import (
	"context"
	"time"

	"github.com/planfirst/sreagent/internal/storage/sqlite"
	"github.com/planfirst/sreagent/internal/types"
)

// Storage defines the interface for plan and registry storage backends
type Storage interface {
	// Plans
	CreatePlan(ctx context.Context, plan *types.Plan, actor string) error
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	ResolvePlanID(ctx context.Context, ref string) (string, error)
	ListPlans(ctx context.Context, filter types.PlanFilter) ([]*types.Plan, error)
	MostRecentPending(ctx context.Context) (*types.Plan, error)
	FindOpenBySignature(ctx context.Context, signature string, since time.Time) (*types.Plan, error)
	ExpiredPending(ctx context.Context, now time.Time) ([]*types.Plan, error)

	// State machine (compare-and-swap)
	Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error
	ExtendDeadline(ctx context.Context, planID string, expiresAt time.Time) error
	GetTransitions(ctx context.Context, planID string) ([]types.TransitionEvent, error)

	// Execution log
	AppendExecutionLog(ctx context.Context, planID string, entry types.ExecutionLogEntry) error

	// Suppression & pattern registry
	ActiveSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error)
	ListSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error)
	CreateSuppressionRule(ctx context.Context, rule types.SuppressionRule) (bool, error)
	DeactivateSuppressionRule(ctx context.Context, signature string) (bool, error)
	RecordRejection(ctx context.Context, rec types.RejectionRecord) error
	CountRejections(ctx context.Context, signature string, since time.Time) (int, error)
	UpsertPattern(ctx context.Context, signature string, steps []types.Step, at time.Time) error
	SimilarPatterns(ctx context.Context, signature string, limit int) ([]types.PatternEntry, error)
	ListPatterns(ctx context.Context) ([]types.PatternEntry, error)
	SignatureReport(ctx context.Context) ([]types.SignatureStats, error)

	// Lifecycle
	Close() error
}

// Errors shared by every backend. Inspect with errors.Is.
var (
	ErrPlanNotFound       = sqlite.ErrPlanNotFound
	ErrAmbiguousPlanID    = sqlite.ErrAmbiguousPlanID
	ErrStaleState         = sqlite.ErrStaleState
	ErrInvalidTransition  = sqlite.ErrInvalidTransition
	ErrSignatureExecuting = sqlite.ErrSignatureExecuting
	ErrRegistryCorrupt    = sqlite.ErrRegistryCorrupt
)

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: discovered via DiscoverDatabase
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	path, err := DiscoverDatabase()
	if err != nil {
		path = DefaultDatabasePath
	}
	return &Config{
		Path: path,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Default to standard path if not specified
	if cfg.Path == "" {
		cfg.Path = DefaultDatabasePath
	}

	return sqlite.New(ctx, cfg.Path)
}
