package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/planfirst/sreagent/internal/ai"
	"github.com/planfirst/sreagent/internal/config"
	"github.com/planfirst/sreagent/internal/evaluator"
	"github.com/planfirst/sreagent/internal/executor"
	"github.com/planfirst/sreagent/internal/gateway"
	"github.com/planfirst/sreagent/internal/observe"
	"github.com/planfirst/sreagent/internal/planning"
	"github.com/planfirst/sreagent/internal/scheduler"
	"github.com/planfirst/sreagent/internal/types"
)

// newExecutionEngine registers the step executors and builds the engine.
// dryRun forces every step to be recorded as skipped.
func newExecutionEngine(actor string, dryRun bool) (*executor.Engine, error) {
	policy, err := executor.NewPolicy(cfg.Safety.NeverRestart, cfg.Safety.DangerousPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid safety policy: %w", err)
	}

	exec := cfg.Execution
	steps := executor.NewRegistry()
	steps.Register("shell", executor.NewShellExecutor(exec.MaxOutputChars, exec.MaxOutputChars))
	steps.Register("ssh", executor.NewSSHExecutor(executor.SSHConfig{
		User:           exec.SSH.User,
		Port:           exec.SSH.Port,
		KeyFile:        exec.SSH.KeyFile,
		KnownHostsFile: exec.SSH.KnownHostsFile,
		MaxOutputChars: exec.MaxOutputChars,
		MaxStderrChars: exec.MaxOutputChars,
	}))
	steps.Register("http", executor.NewHTTPExecutor(exec.HTTP.AllowedHosts, exec.MaxOutputChars))
	steps.Register("noop", executor.NoopExecutor{})

	return executor.NewEngine(executor.Config{
		ContinueOnFailure: exec.ContinueOnFailure,
		DryRun:            exec.DryRun || dryRun,
		MaxPerHour:        exec.MaxPerHour,
		StepTimeout:       exec.StepTimeout,
		Actor:             actor,
		Logger:            logger,
	}, store, steps, policy), nil
}

func newApprover() *planning.Approver {
	return planning.NewApprover(planning.Config{
		DeferIncrement: cfg.Approval.DeferIncrement,
		Logger:         logger,
	}, store)
}

// newHandler builds the chat decision handler. The allow-list is the union
// of every enabled channel's users.
func newHandler(exec planning.Executor, extraSenders ...string) *planning.Handler {
	allowed := append([]string{}, extraSenders...)
	if cfg.Notifications.Telegram.Enabled {
		allowed = append(allowed, cfg.Notifications.Telegram.AllowedUsers...)
	}
	if cfg.Notifications.Discord.Enabled {
		allowed = append(allowed, cfg.Notifications.Discord.AllowedUsers...)
	}
	return planning.NewHandler(planning.HandlerConfig{
		AllowedSenders: allowed,
		Logger:         logger,
	}, newApprover(), planning.KeywordClassifier{}, exec, store)
}

// newNotifier connects every enabled chat channel
func newNotifier() (*gateway.Notifier, error) {
	var messengers []gateway.Messenger

	tg := cfg.Notifications.Telegram
	if tg.Enabled {
		if tg.Token == "" {
			return nil, fmt.Errorf("telegram is enabled but SREAGENT_TELEGRAM_TOKEN is not set")
		}
		m, err := gateway.NewTelegramMessenger(tg.Token, tg.ChatID, "", logger)
		if err != nil {
			return nil, err
		}
		messengers = append(messengers, m)
	}

	dc := cfg.Notifications.Discord
	if dc.Enabled {
		if dc.Token == "" {
			return nil, fmt.Errorf("discord is enabled but SREAGENT_DISCORD_TOKEN is not set")
		}
		m, err := gateway.NewDiscordMessenger(dc.Token, dc.ChannelID, logger)
		if err != nil {
			return nil, err
		}
		messengers = append(messengers, m)
	}

	if len(messengers) == 0 {
		logger.Warn("no notification channels enabled; decide plans with the CLI")
	}
	return gateway.NewNotifier(logger, messengers...), nil
}

func newGenerator() (*ai.Generator, error) {
	gen := cfg.Generator
	aiCfg := ai.DefaultConfig()
	aiCfg.Provider = gen.Provider
	aiCfg.Model = gen.Model
	aiCfg.BaseURL = gen.BaseURL
	aiCfg.APIKey = gen.APIKey
	aiCfg.Timeout = gen.Timeout
	aiCfg.MaxConcurrent = gen.MaxConcurrent
	aiCfg.PatternExamples = gen.PatternExamples
	aiCfg.Logger = logger

	reasoner, err := ai.NewReasoner(aiCfg)
	if err != nil {
		return nil, err
	}
	return ai.NewGenerator(aiCfg, reasoner, store), nil
}

// newSource builds the observation source from config. With nothing
// configured the local docker daemon is watched.
func newSource() (observe.Source, error) {
	srcs := cfg.Observation.Sources
	if len(srcs) == 0 {
		srcs = []config.SourceConfig{{Type: "docker"}}
	}

	var sources []observe.Source
	for i, sc := range srcs {
		switch sc.Type {
		case "docker":
			sources = append(sources, observe.NewDockerSource(sc.Timeout, nil))
		case "command":
			if len(sc.Command) == 0 {
				return nil, fmt.Errorf("observation.sources[%d]: command source needs a command", i)
			}
			sources = append(sources, &observe.CommandSource{Command: sc.Command, Timeout: sc.Timeout})
		case "file":
			if sc.Path == "" {
				return nil, fmt.Errorf("observation.sources[%d]: file source needs a path", i)
			}
			sources = append(sources, &observe.FileSource{Path: sc.Path})
		default:
			return nil, fmt.Errorf("observation.sources[%d]: unknown type %q", i, sc.Type)
		}
	}
	return observe.NewMulti(logger, sources...), nil
}

// newScheduler wires a scheduler for mode. In dry-run mode nothing is
// executed or announced, so the executor and notifier may be nil.
func newScheduler(mode types.RunMode, exec scheduler.Executor, notifier scheduler.Notifier) (*scheduler.Scheduler, error) {
	source, err := newSource()
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator()
	if err != nil {
		return nil, err
	}
	eval := evaluator.New(evaluator.Config{CooldownWindow: cfg.Evaluator.CooldownWindow}, registry, store)

	deps := scheduler.Deps{
		Store:     store,
		Source:    source,
		Rules:     registry,
		Evaluator: eval,
		Generator: gen,
		Executor:  exec,
		Notifier:  notifier,
	}

	return scheduler.New(scheduler.Config{
		Interval:      cfg.Agent.CheckInterval,
		Mode:          mode,
		ExpiresAfter:  cfg.Approval.ExpiresAfter,
		MaxConcurrent: cfg.Generator.MaxConcurrent,
		Logger:        logger,
	}, deps)
}

// operator names the local user for decisions made from the CLI
func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// historyFile is where the console keeps its input history
func historyFile() string {
	return filepath.Join(filepath.Dir(dbPath), "console_history")
}
