package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/planfirst/sreagent/internal/planning"
	"github.com/planfirst/sreagent/internal/scheduler"
	"github.com/planfirst/sreagent/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one observation cycle",
	Long: `Run a single scheduler cycle and exit.

A live cycle:
1. Expires pending plans past their deadline
2. Collects a snapshot and evaluates it against suppression rules and open plans
3. Generates a plan for each actionable signature and moves it to pending_approval
4. Notifies the enabled chat channels
5. Executes approved plans that are still waiting

With --dry-run, plans are generated and stored as proposed (marked dry_run)
but never surfaced for approval, executed, or counted by the learning engine.

Examples:
  sreagent run
  sreagent run --dry-run
  sreagent run --config /etc/sreagent/config.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()

		var sched *scheduler.Scheduler
		var err error
		if dryRun {
			sched, err = newScheduler(types.ModeDryRun, nil, nil)
		} else {
			engine, engErr := newExecutionEngine("executor", false)
			if engErr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", engErr)
				os.Exit(1)
			}
			notifier, notErr := newNotifier()
			if notErr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", notErr)
				os.Exit(1)
			}
			sched, err = newScheduler(types.ModeLive, engine, notifier)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		report, err := sched.RunOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printCycleReport(report)
	},
}

func printCycleReport(r *scheduler.CycleReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	mode := "live"
	if r.Mode.IsDryRun() {
		mode = yellow("dry-run")
	}
	fmt.Printf("\n%s Cycle finished (%s)\n\n", green("✓"), mode)
	fmt.Printf("  Issues observed: %d\n", r.Issues)
	fmt.Printf("  Actionable:      %d\n", r.Actionable)
	fmt.Printf("  Duplicates:      %d\n", r.Duplicates)

	if len(r.Suppressed) > 0 {
		sigs := make([]string, 0, len(r.Suppressed))
		for sig := range r.Suppressed {
			sigs = append(sigs, sig)
		}
		sort.Strings(sigs)
		fmt.Printf("  Suppressed:      %d\n", len(sigs))
		for _, sig := range sigs {
			fmt.Printf("    %s %s\n", gray("-"), sig)
		}
	}

	if r.Expired > 0 {
		fmt.Printf("  Expired:         %d\n", r.Expired)
	}
	if r.GenerationErrors > 0 {
		fmt.Printf("  %s Generation failures: %d (see log)\n", red("✗"), r.GenerationErrors)
	}

	if len(r.Created) > 0 {
		verb := "awaiting approval"
		if r.Mode.IsDryRun() {
			verb = "proposed (dry run)"
		}
		fmt.Printf("\n  Plans %s:\n", verb)
		for _, id := range r.Created {
			fmt.Printf("    %s\n", cyan(planning.ShortID(id)))
		}
	}

	if len(r.Executed) > 0 {
		fmt.Printf("\n  Executed:\n")
		for _, id := range r.Executed {
			fmt.Printf("    %s\n", cyan(planning.ShortID(id)))
		}
	}
	if r.Waiting > 0 {
		fmt.Printf("\n%s %d approved plan(s) waiting for the rate limit or a running plan\n", yellow("⚠"), r.Waiting)
	}
	fmt.Println()
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Generate and store plans without surfacing or executing them")
	rootCmd.AddCommand(runCmd)
}
