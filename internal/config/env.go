package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides configuration from environment variables
//
// Environment variables:
//   - SREAGENT_CHECK_INTERVAL: Scheduler interval (default: 5m)
//   - SREAGENT_LOG_FORMAT: text or json (default: text)
//   - SREAGENT_LOG_LEVEL: debug, info, warn or error (default: info)
//   - SREAGENT_COOLDOWN_WINDOW: Duplicate window (default: 2h)
//   - SREAGENT_SUPPRESSION_THRESHOLD: Rejections before suppression (default: 10)
//   - SREAGENT_REJECTION_WINDOW: Rolling rejection window (default: 720h)
//   - SREAGENT_GENERATOR_PROVIDER: anthropic, openai or static (default: anthropic)
//   - SREAGENT_GENERATOR_MODEL: Model name
//   - SREAGENT_GENERATOR_BASE_URL: OpenAI-compatible endpoint
//   - SREAGENT_GENERATOR_TIMEOUT: Generation timeout (default: 120s)
//   - SREAGENT_APPROVAL_EXPIRES_AFTER: Approval deadline (default: 24h)
//   - SREAGENT_DEFER_INCREMENT: Deadline extension per defer (default: 1h)
//   - SREAGENT_MAX_EXECUTIONS_PER_HOUR: Execution rate limit (default: 3)
//   - SREAGENT_CONTINUE_ON_FAILURE: Keep running steps after a failure (default: false)
//   - SREAGENT_NEVER_RESTART: Comma-separated protected targets
//   - SREAGENT_DB_PATH: Database path
//
// Secrets are only read from the environment:
//   - ANTHROPIC_API_KEY or OPENAI_API_KEY, depending on the provider
//   - SREAGENT_TELEGRAM_TOKEN
//   - SREAGENT_DISCORD_TOKEN
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	if err := parseEnvDuration("SREAGENT_CHECK_INTERVAL", &c.Agent.CheckInterval); err != nil {
		return err
	}
	if err := parseEnvString("SREAGENT_LOG_FORMAT", &c.Agent.LogFormat); err != nil {
		return err
	}
	if err := parseEnvString("SREAGENT_LOG_LEVEL", &c.Agent.LogLevel); err != nil {
		return err
	}
	if err := parseEnvDuration("SREAGENT_COOLDOWN_WINDOW", &c.Evaluator.CooldownWindow); err != nil {
		return err
	}
	if err := parseEnvInt("SREAGENT_SUPPRESSION_THRESHOLD", &c.Learning.SuppressionThreshold); err != nil {
		return err
	}
	if err := parseEnvDuration("SREAGENT_REJECTION_WINDOW", &c.Learning.RejectionWindow); err != nil {
		return err
	}
	if err := parseEnvString("SREAGENT_GENERATOR_PROVIDER", &c.Generator.Provider); err != nil {
		return err
	}
	if err := parseEnvString("SREAGENT_GENERATOR_MODEL", &c.Generator.Model); err != nil {
		return err
	}
	if err := parseEnvString("SREAGENT_GENERATOR_BASE_URL", &c.Generator.BaseURL); err != nil {
		return err
	}
	if err := parseEnvDuration("SREAGENT_GENERATOR_TIMEOUT", &c.Generator.Timeout); err != nil {
		return err
	}
	if err := parseEnvDuration("SREAGENT_APPROVAL_EXPIRES_AFTER", &c.Approval.ExpiresAfter); err != nil {
		return err
	}
	if err := parseEnvDuration("SREAGENT_DEFER_INCREMENT", &c.Approval.DeferIncrement); err != nil {
		return err
	}
	if err := parseEnvInt("SREAGENT_MAX_EXECUTIONS_PER_HOUR", &c.Execution.MaxPerHour); err != nil {
		return err
	}
	if err := parseEnvBool("SREAGENT_CONTINUE_ON_FAILURE", &c.Execution.ContinueOnFailure); err != nil {
		return err
	}
	if v := os.Getenv("SREAGENT_NEVER_RESTART"); v != "" {
		c.Safety.NeverRestart = splitList(v)
	}
	if err := parseEnvString("SREAGENT_DB_PATH", &c.Storage.Path); err != nil {
		return err
	}

	switch c.Generator.Provider {
	case "anthropic":
		c.Generator.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		c.Generator.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	c.Notifications.Telegram.Token = os.Getenv("SREAGENT_TELEGRAM_TOKEN")
	c.Notifications.Discord.Token = os.Getenv("SREAGENT_DISCORD_TOKEN")

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a time.Duration from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
