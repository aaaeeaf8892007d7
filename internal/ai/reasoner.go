package ai

import (
	"context"
	"fmt"
)

// Reasoner is the external reasoning capability: prompt in, text out.
type Reasoner interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// NewReasoner builds the configured reasoner. Network-backed reasoners are
// wrapped with retry, circuit breaking and the concurrency limit.
func NewReasoner(cfg Config) (Reasoner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generator config: %w", err)
	}

	var inner Reasoner
	switch cfg.Provider {
	case ProviderAnthropic:
		inner = NewAnthropicReasoner(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
	case ProviderOpenAI:
		r, err := NewLangChainReasoner(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		inner = r
	case ProviderStatic:
		return &StaticReasoner{}, nil
	}
	return NewRetryingReasoner(inner, cfg.Retry, cfg.MaxConcurrent, cfg.logger()), nil
}

// StaticReasoner returns a fixed response. With no Response set it proposes
// a single noop step, which is enough for dry runs and wiring tests.
type StaticReasoner struct {
	Response string
	Err      error
}

const staticResponse = `{
  "summary": "Operator review requested",
  "severity": "info",
  "root_cause": "static reasoner does not analyze observations",
  "steps": [
    {"action": "noop", "target": "operator", "rationale": "placeholder step for manual review"}
  ]
}`

// Complete returns the canned response
func (s *StaticReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	return staticResponse, nil
}

// Name implements Reasoner
func (s *StaticReasoner) Name() string {
	return ProviderStatic
}
