package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler and the chat decision handler",
	Long: `Run the agent until interrupted.

Two tasks share the database:
1. The scheduler runs a live cycle every agent.check_interval
2. The decision handler listens on every enabled chat channel for
   approve, reject, defer, status and help messages

Only one daemon may run per database; a lock file next to the database
guards it. Stop with Ctrl+C or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		lockPath, err := storage.AcquireDaemonLock(dbPath, Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		release := func() {
			if err := storage.ReleaseDaemonLock(lockPath); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to release daemon lock: %v\n", err)
			}
		}
		defer release()

		engine, err := newExecutionEngine("executor", false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		notifier, err := newNotifier()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sched, err := newScheduler(types.ModeLive, engine, notifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		handler := newHandler(engine)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s sreagent daemon started (version %s)\n", green("✓"), cyan(Version))
		fmt.Printf("  Database: %s\n", cyan(dbPath))
		fmt.Printf("  Checking every %v\n", cfg.Agent.CheckInterval)
		for _, m := range notifier.Messengers() {
			fmt.Printf("  Listening on %s\n", m.Name())
		}
		fmt.Printf("  Press Ctrl+C to stop\n\n")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sched.Run(gctx)
		})
		g.Go(func() error {
			return notifier.ListenAll(gctx, handler.HandleMessage)
		})

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			release()
			os.Exit(1)
		}
		fmt.Printf("\n%s sreagent daemon stopped\n", green("✓"))
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
