package ai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainReasoner talks to any OpenAI-compatible chat endpoint
type LangChainReasoner struct {
	llm       llms.Model
	maxTokens int
}

// NewLangChainReasoner creates an OpenAI-compatible reasoner. baseURL may
// point at a self-hosted server.
func NewLangChainReasoner(apiKey, model, baseURL string, maxTokens int) (*LangChainReasoner, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &LangChainReasoner{llm: llm, maxTokens: maxTokens}, nil
}

// Name implements Reasoner
func (l *LangChainReasoner) Name() string {
	return ProviderOpenAI
}

// Complete implements Reasoner
func (l *LangChainReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, l.llm, prompt, llms.WithMaxTokens(l.maxTokens))
	if err != nil {
		return "", fmt.Errorf("openai API call failed: %w", err)
	}
	return text, nil
}
