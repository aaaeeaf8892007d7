// Package learning turns human feedback into suppression rules and
// remembered remediation patterns.
//
// The Registry is an in-memory view of the active suppression rules. It is
// loaded at startup, refreshed at the start of every scheduler cycle,
// consulted by the rule evaluator on every observation, and updated
// whenever the Engine creates or lifts a rule.
// The store remains the source of truth; the view only saves a query per
// observation.
package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// RuleStore persists suppression rules
type RuleStore interface {
	ActiveSuppressionRules(ctx context.Context) ([]types.SuppressionRule, error)
	DeactivateSuppressionRule(ctx context.Context, signature string) (bool, error)
}

// Registry is the in-memory suppression view
type Registry struct {
	mu    sync.RWMutex
	rules map[string]types.SuppressionRule
	store RuleStore
}

// Load reads every active suppression rule. A registry that cannot be read
// back yields storage.ErrRegistryCorrupt; callers treat it as fatal.
func Load(ctx context.Context, store RuleStore) (*Registry, error) {
	r := &Registry{store: store}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh replaces the view with the rules currently in the store
func (r *Registry) Refresh(ctx context.Context) error {
	rules, err := r.store.ActiveSuppressionRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load suppression registry: %w", err)
	}
	byID := make(map[string]types.SuppressionRule, len(rules))
	for _, rule := range rules {
		if _, dup := byID[rule.Signature]; dup {
			return fmt.Errorf("%w: more than one active rule for %s", storage.ErrRegistryCorrupt, rule.Signature)
		}
		byID[rule.Signature] = rule
	}

	r.mu.Lock()
	r.rules = byID
	r.mu.Unlock()
	return nil
}

// Suppression returns the active rule for signature, if any. Matching is
// exact on the normalized signature.
func (r *Registry) Suppression(signature string) (types.SuppressionRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[types.NormalizeSignature(signature)]
	return rule, ok
}

// Rules returns the active rules sorted by signature
func (r *Registry) Rules() []types.SuppressionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SuppressionRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Lift deactivates the rule for signature so observations escalate again.
// It reports whether an active rule existed.
func (r *Registry) Lift(ctx context.Context, signature string) (bool, error) {
	signature = types.NormalizeSignature(signature)
	lifted, err := r.store.DeactivateSuppressionRule(ctx, signature)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	delete(r.rules, signature)
	r.mu.Unlock()
	return lifted, nil
}

func (r *Registry) put(rule types.SuppressionRule) {
	r.mu.Lock()
	r.rules[rule.Signature] = rule
	r.mu.Unlock()
}
