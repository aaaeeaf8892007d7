package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/planfirst/sreagent/internal/config"
	"github.com/planfirst/sreagent/internal/learning"
	"github.com/planfirst/sreagent/internal/storage"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configPath string
	dbPath     string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Storage
	registry *learning.Registry
	learner  *learning.Engine
)

var rootCmd = &cobra.Command{
	Use:   "sreagent",
	Short: "Plan-first remediation agent",
	Long: `sreagent watches infrastructure snapshots and proposes remediation plans.

Nothing disruptive runs without a human decision: every plan waits in
pending_approval until an operator approves, rejects or defers it from the
CLI or a chat channel. Rejected signatures are suppressed after repeated
rejections, and successful remediations are remembered for later plans.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

func init() {
	// Assigned here rather than in the literal to break the
	// rootCmd -> setup -> configFlagChanged -> rootCmd initialization cycle
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if cmd.Annotations["skipStore"] == "true" {
			return
		}
		if err := setup(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: discovered from "+storage.DatabasePathEnv+" or .sreagent/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, opens the store and loads the registry.
// Every command that touches plans goes through it.
func setup(ctx context.Context) error {
	var err error
	cfg, err = config.Load(configPath)
	missing := errors.Is(err, config.ErrConfigNotFound)
	if err != nil && !missing {
		return err
	}

	logger = newLogger(cfg.Agent, verbose)
	slog.SetDefault(logger)
	if missing && configFlagChanged() {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v, using defaults\n", yellow("⚠"), err)
	} else if missing {
		logger.Debug("no config file, using defaults", "path", configPath)
	}

	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	dbPath = path

	raw, err := storage.NewStorage(ctx, &storage.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	registry, err = learning.Load(ctx, raw)
	if err != nil {
		_ = raw.Close()
		return err
	}

	learner = learning.NewEngine(learning.Config{
		SuppressionThreshold: cfg.Learning.SuppressionThreshold,
		RejectionWindow:      cfg.Learning.RejectionWindow,
		Logger:               logger,
	}, raw, registry)

	// Every terminal transition, whoever makes it, feeds the learning engine
	store = learner.Observe(raw)
	return nil
}

// resolveDBPath picks the database: --db, then storage.path, then discovery
func resolveDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path, nil
	}
	path, err := storage.DiscoverDatabase()
	if err != nil {
		return "", fmt.Errorf("failed to locate database: %w", err)
	}
	return path, nil
}

// configFlagChanged reports whether --config was given explicitly
func configFlagChanged() bool {
	f := rootCmd.PersistentFlags().Lookup("config")
	return f != nil && f.Changed
}

func newLogger(agent config.AgentConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch agent.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if agent.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
