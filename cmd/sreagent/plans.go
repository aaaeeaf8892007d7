package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/planfirst/sreagent/internal/executor"
	"github.com/planfirst/sreagent/internal/planning"
	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List remediation plans",
	Long: `List remediation plans, newest first.

By default only plans waiting for a decision are shown.

Examples:
  sreagent list                      # pending_approval plans
  sreagent list --all                # every plan, including dry runs
  sreagent list --status failed      # plans in one status
  sreagent list --stuck              # plans left executing (crash recovery)`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		status, _ := cmd.Flags().GetString("status")
		stuck, _ := cmd.Flags().GetBool("stuck")
		limit, _ := cmd.Flags().GetInt("limit")

		filter, err := listFilter(all, status, stuck)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		filter.Limit = limit

		plans, err := store.ListPlans(cmd.Context(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printPlanList(os.Stdout, plans, stuck)
	},
}

// listFilter maps the list flags to a store filter
func listFilter(all bool, status string, stuck bool) (types.PlanFilter, error) {
	switch {
	case stuck:
		return types.PlanFilter{Statuses: []types.Status{types.StatusExecuting}}, nil
	case status != "":
		s := types.Status(strings.ToLower(status))
		if !s.IsValid() {
			return types.PlanFilter{}, fmt.Errorf("unknown status %q", status)
		}
		return types.PlanFilter{Statuses: []types.Status{s}, IncludeDryRun: s == types.StatusProposed}, nil
	case all:
		return types.PlanFilter{IncludeDryRun: true}, nil
	}
	return types.PlanFilter{Statuses: []types.Status{types.StatusPendingApproval}}, nil
}

func printPlanList(w io.Writer, plans []*types.Plan, stuck bool) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if len(plans) == 0 {
		if stuck {
			fmt.Fprintf(w, "%s No plans stuck executing\n", green("✓"))
		} else {
			fmt.Fprintf(w, "%s No plans found\n", green("✓"))
		}
		return
	}

	if stuck {
		fmt.Fprintf(w, "\n%s %d plan(s) left executing; the agent does not resume them:\n\n", yellow("⚠"), len(plans))
	} else {
		fmt.Fprintf(w, "\nFound %d plan(s):\n\n", len(plans))
	}

	for _, p := range plans {
		status := string(p.Status)
		if p.DryRun {
			status += " " + gray("(dry run)")
		}
		fmt.Fprintf(w, "%s [%s] %s\n", cyan(planning.ShortID(p.ID)), severityLabel(p.Severity), status)
		fmt.Fprintf(w, "  %s\n", firstLine(p.Description))
		fmt.Fprintf(w, "  %s %s, created %s\n", gray("Signature:"), p.Signature, formatAge(time.Since(p.CreatedAt)))
		if p.Status == types.StatusPendingApproval && p.ExpiresAt != nil {
			fmt.Fprintf(w, "  %s %s\n", gray("Expires:"), p.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(w)
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a pending plan and execute it",
	Long: `Approve a pending plan and run it immediately.

The plan id may be the full id or any unique prefix or suffix (the short id
shown in chat messages). If the hourly execution budget is spent, the plan
stays approved and the next scheduler cycle runs it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		noExec, _ := cmd.Flags().GetBool("no-execute")

		plan, err := newApprover().Decide(ctx, args[0], planning.IntentApprove, operator())
		if err != nil {
			exitDecisionError(err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		if plan.Status != types.StatusApproved {
			fmt.Printf("%s Plan %s was already approved (status %s)\n", green("✓"), cyan(planning.ShortID(plan.ID)), plan.Status)
			return
		}
		fmt.Printf("%s Approved plan %s\n", green("✓"), cyan(planning.ShortID(plan.ID)))
		if noExec {
			return
		}

		engine, err := newExecutionEngine("executor", false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		result, err := engine.Execute(ctx, plan.ID)
		if err != nil {
			if errors.Is(err, executor.ErrRateLimited) || errors.Is(err, storage.ErrSignatureExecuting) {
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Printf("%s Not executed yet: %v\n  The scheduler will run it on a later cycle.\n", yellow("⚠"), err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printExecution(os.Stdout, result)
		if result.Status == types.StatusFailed {
			os.Exit(1)
		}
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <plan-id>",
	Short: "Reject a pending plan",
	Long: `Reject a pending plan. Rejections feed the learning engine: a signature
rejected often enough is suppressed automatically.

Examples:
  sreagent reject 4f2a9c1e
  sreagent reject 4f2a9c1e --reason "false positive, network is fine"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")

		plan, err := newApprover().DecideWithNote(cmd.Context(), args[0], planning.IntentReject, operator(), reason)
		if err != nil {
			exitDecisionError(err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Rejected plan %s\n", green("✓"), cyan(planning.ShortID(plan.ID)))
		if rule, ok := registry.Suppression(plan.Signature); ok {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s Signature %s is now suppressed: %s\n", yellow("⚠"), plan.Signature, rule.Reason)
		}
	},
}

var deferCmd = &cobra.Command{
	Use:   "defer <plan-id>",
	Short: "Push back a pending plan's approval deadline",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, err := newApprover().Decide(cmd.Context(), args[0], planning.IntentDefer, operator())
		if err != nil {
			exitDecisionError(err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Deferred plan %s until %s\n", green("✓"), cyan(planning.ShortID(plan.ID)),
			plan.ExpiresAt.Local().Format("2006-01-02 15:04"))
	},
}

var showCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan with its steps, execution log and history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		plan, events, err := loadPlan(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			if err := writePlanJSON(os.Stdout, plan, events); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		printPlan(os.Stdout, plan, events)
	},
}

func loadPlan(ctx context.Context, ref string) (*types.Plan, []types.TransitionEvent, error) {
	id, err := store.ResolvePlanID(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	plan, err := store.GetPlan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := store.GetTransitions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return plan, events, nil
}

// planRecord is the show --json document
type planRecord struct {
	*types.Plan
	Transitions []types.TransitionEvent `json:"transitions"`
}

func writePlanJSON(w io.Writer, plan *types.Plan, events []types.TransitionEvent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(planRecord{Plan: plan, Transitions: events})
}

func printPlan(w io.Writer, plan *types.Plan, events []types.TransitionEvent) {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(w, "\n%s %s\n", bold("Plan"), cyan(plan.ID))
	fmt.Fprintf(w, "  Status:    %s\n", plan.Status)
	fmt.Fprintf(w, "  Severity:  %s\n", severityLabel(plan.Severity))
	fmt.Fprintf(w, "  Signature: %s\n", plan.Signature)
	fmt.Fprintf(w, "  Created:   %s\n", plan.CreatedAt.Local().Format(time.RFC3339))
	if plan.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires:   %s\n", plan.ExpiresAt.Local().Format(time.RFC3339))
	}
	if plan.DryRun {
		fmt.Fprintf(w, "  %s\n", gray("Dry run: never surfaced for approval"))
	}
	if plan.Decision != nil {
		fmt.Fprintf(w, "  Decided:   by %s at %s", plan.Decision.Actor, plan.Decision.At.Local().Format(time.RFC3339))
		if plan.Decision.Note != "" {
			fmt.Fprintf(w, " (%s)", plan.Decision.Note)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%s\n%s\n", bold("Description"), plan.Description)

	fmt.Fprintf(w, "\n%s\n", bold("Steps"))
	for i, step := range plan.Steps {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, step.Action, step.Target)
		if step.Payload != "" {
			fmt.Fprintf(w, "     %s\n", step.Payload)
		}
		if step.Rationale != "" {
			fmt.Fprintf(w, "     %s %s\n", gray("Why:"), step.Rationale)
		}
	}

	if len(plan.ExecutionLog) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Execution"))
		for _, entry := range plan.ExecutionLog {
			fmt.Fprintf(w, "  %s step %d %s", outcomeMarker(entry.Outcome), entry.StepIndex+1, entry.Outcome)
			if entry.Detail != "" {
				fmt.Fprintf(w, ": %s", firstLine(entry.Detail))
			}
			fmt.Fprintln(w)
		}
	}

	if len(events) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("History"))
		for _, ev := range events {
			from := string(ev.From)
			if from == "" {
				from = "(new)"
			}
			fmt.Fprintf(w, "  %s  %s -> %s  %s\n", gray(ev.At.Local().Format("2006-01-02 15:04:05")), from, ev.To, ev.Actor)
		}
	}
	fmt.Fprintln(w)
}

func printExecution(w io.Writer, plan *types.Plan) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	for _, entry := range plan.ExecutionLog {
		fmt.Fprintf(w, "  %s step %d %s\n", outcomeMarker(entry.Outcome), entry.StepIndex+1, entry.Outcome)
	}
	if plan.Status == types.StatusCompleted {
		fmt.Fprintf(w, "%s Plan %s completed\n", green("✓"), cyan(planning.ShortID(plan.ID)))
		return
	}
	fmt.Fprintf(w, "%s Plan %s %s\n", red("✗"), cyan(planning.ShortID(plan.ID)), plan.Status)
}

// exitDecisionError reports a refused or failed decision and exits
func exitDecisionError(err error) {
	var decErr *planning.DecisionError
	if errors.As(err, &decErr) {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", yellow("⚠"), decErr)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func outcomeMarker(o types.StepOutcome) string {
	switch o {
	case types.OutcomeSucceeded:
		return color.New(color.FgGreen).Sprint("✓")
	case types.OutcomeFailed:
		return color.New(color.FgRed).Sprint("✗")
	}
	return color.New(color.FgHiBlack).Sprint("-")
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed).Sprint(s)
	case types.SeverityWarning:
		return color.New(color.FgYellow).Sprint(s)
	}
	return string(s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func init() {
	listCmd.Flags().Bool("all", false, "Show plans in every status, including dry runs")
	listCmd.Flags().String("status", "", "Show plans in one status (e.g. pending_approval, failed)")
	listCmd.Flags().Bool("stuck", false, "Show plans left executing")
	listCmd.Flags().IntP("limit", "n", 50, "Maximum number of plans to show")
	approveCmd.Flags().Bool("no-execute", false, "Approve only; leave execution to the scheduler")
	rejectCmd.Flags().StringP("reason", "r", "", "Why the plan is rejected (recorded for the rejection report)")
	showCmd.Flags().Bool("json", false, "Print the plan record as JSON")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(deferCmd)
	rootCmd.AddCommand(showCmd)
}
