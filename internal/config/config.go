package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration, loaded from YAML and then
// overridden from the environment.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Learning      LearningConfig      `yaml:"learning"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Safety        SafetyConfig        `yaml:"safety"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observation   ObservationConfig   `yaml:"observation"`
	Storage       StorageConfig       `yaml:"storage"`
}

// AgentConfig controls the daemon loop and logging.
type AgentConfig struct {
	// CheckInterval is the scheduler tick interval
	// Default: 5m, Range: 10s-24h
	CheckInterval time.Duration `yaml:"check_interval"`

	// LogFormat is "text" or "json"
	LogFormat string `yaml:"log_format"`

	// LogLevel is debug, info, warn or error
	LogLevel string `yaml:"log_level"`
}

// EvaluatorConfig controls duplicate detection.
type EvaluatorConfig struct {
	// CooldownWindow suppresses a signature while an undecided plan for it
	// was created within the window
	// Default: 2h
	CooldownWindow time.Duration `yaml:"cooldown_window"`
}

// LearningConfig controls automatic suppression.
type LearningConfig struct {
	// SuppressionThreshold is the number of rejections within
	// RejectionWindow that creates a suppression rule
	// Default: 10, Range: 1-1000
	SuppressionThreshold int `yaml:"suppression_threshold"`

	// RejectionWindow is the rolling window rejections are counted in
	// Default: 720h (30 days)
	RejectionWindow time.Duration `yaml:"rejection_window"`
}

// GeneratorConfig selects and tunes the reasoning capability.
type GeneratorConfig struct {
	// Provider is anthropic, openai or static
	Provider string `yaml:"provider"`

	// Model name passed to the provider
	Model string `yaml:"model"`

	// BaseURL for OpenAI-compatible endpoints (empty = api.openai.com)
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single generation
	// Default: 120s
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent generations per scheduler cycle
	// Default: 2
	MaxConcurrent int `yaml:"max_concurrent"`

	// PatternExamples is how many remembered patterns are put in the prompt
	// Default: 3
	PatternExamples int `yaml:"pattern_examples"`

	// APIKey is only ever read from the environment
	APIKey string `yaml:"-"`
}

// ApprovalConfig controls plan deadlines.
type ApprovalConfig struct {
	// ExpiresAfter is how long a plan waits in pending_approval
	// Default: 24h
	ExpiresAfter time.Duration `yaml:"expires_after"`

	// DeferIncrement is added to the deadline on each defer
	// Default: 1h
	DeferIncrement time.Duration `yaml:"defer_increment"`
}

// ExecutionConfig controls the execution engine.
type ExecutionConfig struct {
	// ContinueOnFailure keeps running later steps after a failure
	ContinueOnFailure bool `yaml:"continue_on_failure"`

	// DryRun records every step as skipped instead of running it
	DryRun bool `yaml:"dry_run"`

	// MaxPerHour caps executions per hour
	// Default: 3
	MaxPerHour int `yaml:"max_per_hour"`

	// StepTimeout applies to steps without timeout_seconds
	// Default: 60s
	StepTimeout time.Duration `yaml:"step_timeout"`

	// MaxOutputChars truncates captured stdout
	// Default: 5000
	MaxOutputChars int `yaml:"max_output_chars"`

	SSH  SSHConfig  `yaml:"ssh"`
	HTTP HTTPConfig `yaml:"http"`
}

// SSHConfig configures the ssh step executor.
type SSHConfig struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port"`
	KeyFile        string `yaml:"key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// HTTPConfig configures the http step executor.
type HTTPConfig struct {
	// AllowedHosts restricts webhook targets; empty allows any host
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// SafetyConfig lists what the execution engine refuses to touch.
type SafetyConfig struct {
	// NeverRestart targets may not be restarted or stopped
	NeverRestart []string `yaml:"never_restart"`

	// DangerousPatterns are regular expressions matched against step payloads
	DangerousPatterns []string `yaml:"dangerous_patterns"`
}

// NotificationsConfig configures chat gateways.
type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ChatID       int64    `yaml:"chat_id"`
	AllowedUsers []string `yaml:"allowed_users"`
	Token        string   `yaml:"-"`
}

// DiscordConfig configures the Discord gateway.
type DiscordConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ChannelID    string   `yaml:"channel_id"`
	AllowedUsers []string `yaml:"allowed_users"`
	Token        string   `yaml:"-"`
}

// ObservationConfig lists the snapshot sources polled each cycle.
type ObservationConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one snapshot source.
type SourceConfig struct {
	// Type is command, file or docker
	Type string `yaml:"type"`

	// Command is the argv for command sources
	Command []string `yaml:"command"`

	// Path is the snapshot file for file sources
	Path string `yaml:"path"`

	// Timeout bounds command and docker sources
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	// Path of the SQLite database; empty uses discovery
	Path string `yaml:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			CheckInterval: 5 * time.Minute,
			LogFormat:     "text",
			LogLevel:      "info",
		},
		Evaluator: EvaluatorConfig{
			CooldownWindow: 2 * time.Hour,
		},
		Learning: LearningConfig{
			SuppressionThreshold: 10,
			RejectionWindow:      30 * 24 * time.Hour,
		},
		Generator: GeneratorConfig{
			Provider:        "anthropic",
			Model:           "claude-sonnet-4-5",
			Timeout:         120 * time.Second,
			MaxConcurrent:   2,
			PatternExamples: 3,
		},
		Approval: ApprovalConfig{
			ExpiresAfter:   24 * time.Hour,
			DeferIncrement: time.Hour,
		},
		Execution: ExecutionConfig{
			MaxPerHour:     3,
			StepTimeout:    60 * time.Second,
			MaxOutputChars: 5000,
			SSH: SSHConfig{
				Port: 22,
			},
		},
		Safety: SafetyConfig{
			DangerousPatterns: DefaultDangerousPatterns(),
		},
	}
}

// DefaultDangerousPatterns returns the built-in deny list of destructive
// command patterns.
func DefaultDangerousPatterns() []string {
	return []string{
		`rm\s+-(rf|fr)\s+/(\*)?(\s|$)`,
		`\bmkfs(\.\w+)?\b`,
		`>\s*/dev/(sd|nvme|hd|xvd)`,
		`\bdd\s+if=`,
		`:\(\)\s*\{\s*:\|:&\s*\};:`,
		`chmod\s+-R\s+777\s+/(\s|$)`,
		`\bshutdown\b|\breboot\b|\bhalt\b|\bpoweroff\b`,
	}
}

// ErrConfigNotFound is returned by Load when the file does not exist. The
// returned config is still usable (defaults plus environment).
var ErrConfigNotFound = errors.New("config file not found")

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result. An empty path skips the
// file. A missing file yields the defaults together with ErrConfigNotFound.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var missing error
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			missing = fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, missing
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.Agent.CheckInterval < 10*time.Second || c.Agent.CheckInterval > 24*time.Hour {
		return fmt.Errorf("agent.check_interval must be between 10s and 24h (got %s)", c.Agent.CheckInterval)
	}
	if c.Agent.LogFormat != "text" && c.Agent.LogFormat != "json" {
		return fmt.Errorf("agent.log_format must be 'text' or 'json' (got %q)", c.Agent.LogFormat)
	}
	switch c.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level must be debug, info, warn or error (got %q)", c.Agent.LogLevel)
	}

	if c.Evaluator.CooldownWindow < 0 {
		return fmt.Errorf("evaluator.cooldown_window cannot be negative (got %s)", c.Evaluator.CooldownWindow)
	}

	if c.Learning.SuppressionThreshold < 1 || c.Learning.SuppressionThreshold > 1000 {
		return fmt.Errorf("learning.suppression_threshold must be between 1 and 1000 (got %d)", c.Learning.SuppressionThreshold)
	}
	if c.Learning.RejectionWindow < time.Hour {
		return fmt.Errorf("learning.rejection_window must be at least 1h (got %s)", c.Learning.RejectionWindow)
	}

	switch c.Generator.Provider {
	case "anthropic", "openai", "static":
	default:
		return fmt.Errorf("generator.provider must be anthropic, openai or static (got %q)", c.Generator.Provider)
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("generator.timeout must be positive (got %s)", c.Generator.Timeout)
	}
	if c.Generator.MaxConcurrent < 1 || c.Generator.MaxConcurrent > 16 {
		return fmt.Errorf("generator.max_concurrent must be between 1 and 16 (got %d)", c.Generator.MaxConcurrent)
	}
	if c.Generator.PatternExamples < 0 || c.Generator.PatternExamples > 10 {
		return fmt.Errorf("generator.pattern_examples must be between 0 and 10 (got %d)", c.Generator.PatternExamples)
	}

	if c.Approval.ExpiresAfter < time.Minute {
		return fmt.Errorf("approval.expires_after must be at least 1m (got %s)", c.Approval.ExpiresAfter)
	}
	if c.Approval.DeferIncrement <= 0 {
		return fmt.Errorf("approval.defer_increment must be positive (got %s)", c.Approval.DeferIncrement)
	}

	if c.Execution.MaxPerHour < 1 {
		return fmt.Errorf("execution.max_per_hour must be at least 1 (got %d)", c.Execution.MaxPerHour)
	}
	if c.Execution.StepTimeout <= 0 {
		return fmt.Errorf("execution.step_timeout must be positive (got %s)", c.Execution.StepTimeout)
	}
	if c.Execution.MaxOutputChars < 100 {
		return fmt.Errorf("execution.max_output_chars must be at least 100 (got %d)", c.Execution.MaxOutputChars)
	}

	if c.Notifications.Telegram.Enabled && c.Notifications.Telegram.ChatID == 0 {
		return fmt.Errorf("notifications.telegram.chat_id is required when telegram is enabled")
	}
	if c.Notifications.Discord.Enabled && c.Notifications.Discord.ChannelID == "" {
		return fmt.Errorf("notifications.discord.channel_id is required when discord is enabled")
	}

	for i, src := range c.Observation.Sources {
		switch src.Type {
		case "command":
			if len(src.Command) == 0 {
				return fmt.Errorf("observation.sources[%d]: command source needs a command", i)
			}
		case "file":
			if src.Path == "" {
				return fmt.Errorf("observation.sources[%d]: file source needs a path", i)
			}
		case "docker":
		default:
			return fmt.Errorf("observation.sources[%d]: type must be command, file or docker (got %q)", i, src.Type)
		}
	}

	return nil
}
