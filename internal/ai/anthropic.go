package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicReasoner calls the Anthropic Messages API
type AnthropicReasoner struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicReasoner creates a reasoner for the given model. An empty
// baseURL uses the public endpoint.
func NewAnthropicReasoner(apiKey, model, baseURL string, maxTokens int) *AnthropicReasoner {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// RetryingReasoner owns retries
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicReasoner{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name implements Reasoner
func (a *AnthropicReasoner) Name() string {
	return ProviderAnthropic
}

// Complete sends prompt as a single user message and returns the text blocks
func (a *AnthropicReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
