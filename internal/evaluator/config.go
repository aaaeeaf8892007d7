package evaluator

import (
	"fmt"
	"time"
)

// Config holds configuration for the rule evaluator
type Config struct {
	// CooldownWindow is how long an undecided plan blocks new plans for the
	// same signature
	// Default: 2 hours
	// Zero disables duplicate detection
	CooldownWindow time.Duration
}

// DefaultConfig returns the default evaluator configuration
func DefaultConfig() Config {
	return Config{
		CooldownWindow: 2 * time.Hour,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.CooldownWindow < 0 {
		return fmt.Errorf("cooldown window cannot be negative (got %s)", c.CooldownWindow)
	}
	if c.CooldownWindow > 7*24*time.Hour {
		return fmt.Errorf("cooldown window too large (got %s, max 168h)", c.CooldownWindow)
	}
	return nil
}
