package learning

import (
	"context"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// observedStore runs the learning engine after every committed transition
// into a terminal state, whoever made it.
type observedStore struct {
	storage.Storage
	engine *Engine
}

// Observe wraps store so the engine sees every terminal transition made
// through it: rejections from chat, expiry sweeps, and finished executions.
func (e *Engine) Observe(store storage.Storage) storage.Storage {
	return &observedStore{Storage: store, engine: e}
}

// Transition implements storage.Storage. Learning failures are logged; the
// transition itself has already committed and is reported as successful.
func (s *observedStore) Transition(ctx context.Context, planID string, expected, next types.Status, actor, note string) error {
	if err := s.Storage.Transition(ctx, planID, expected, next, actor, note); err != nil {
		return err
	}
	if !next.IsTerminal() {
		return nil
	}

	plan, err := s.Storage.GetPlan(ctx, planID)
	if err == nil {
		err = s.engine.OnTerminal(ctx, plan)
	}
	if err != nil {
		s.engine.log.Error("failed to learn from terminal plan",
			"plan_id", planID,
			"status", string(next),
			"error", err)
	}
	return nil
}
