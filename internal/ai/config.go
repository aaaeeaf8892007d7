package ai

import (
	"fmt"
	"log/slog"
	"time"
)

// Provider names accepted by NewReasoner
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderStatic    = "static"
)

// Config holds configuration for plan generation
type Config struct {
	// Provider selects the reasoning capability (anthropic, openai, static)
	Provider string

	// Model passed to the provider
	Model string

	// BaseURL overrides the provider endpoint (OpenAI-compatible servers, tests)
	BaseURL string

	// APIKey for the provider; read from the environment by the caller
	APIKey string

	// Timeout bounds one generation end to end, retries included
	// Default: 120 seconds
	Timeout time.Duration

	// MaxConcurrent limits in-flight reasoner calls
	// Default: 2
	MaxConcurrent int

	// PatternExamples is how many remembered patterns are put in the prompt
	// Default: 3
	PatternExamples int

	// MaxTokens for a single completion
	// Default: 4096
	MaxTokens int

	Retry RetryConfig

	Logger *slog.Logger
}

// DefaultConfig returns the default generator configuration
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderAnthropic,
		Model:           "claude-sonnet-4-5",
		Timeout:         120 * time.Second,
		MaxConcurrent:   2,
		PatternExamples: 3,
		MaxTokens:       4096,
		Retry:           DefaultRetryConfig(),
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("%s provider requires an API key", c.Provider)
		}
	case ProviderStatic:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %s)", c.Timeout)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent cannot be negative (got %d)", c.MaxConcurrent)
	}
	if c.PatternExamples < 0 {
		return fmt.Errorf("pattern examples cannot be negative (got %d)", c.PatternExamples)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
