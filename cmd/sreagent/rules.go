package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/planfirst/sreagent/internal/learning"
	"github.com/planfirst/sreagent/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the rejection report, suppression rules and remembered patterns",
	Long: `Show what the agent has learned from operator decisions:
  - Plan outcomes and rejection reasons
  - Per-signature rejection and success rates
  - Suppression rules (signatures that are no longer escalated)
  - Remediation patterns reused when generating new plans`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		report, err := learning.BuildReport(cmd.Context(), store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		printReport(os.Stdout, report)
	},
}

var rulesLiftCmd = &cobra.Command{
	Use:   "lift <signature>",
	Short: "Deactivate the suppression rule for a signature",
	Long: `Deactivate the suppression rule for a signature so new observations are
escalated again. Rejections already counted stay in the window, so the rule
comes back if the next plan is rejected while the threshold is still met.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sig := types.NormalizeSignature(args[0])
		lifted, err := learner.Lift(cmd.Context(), sig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		if !lifted {
			fmt.Printf("%s No active suppression rule for %s\n", yellow("⚠"), sig)
			return
		}
		fmt.Printf("%s Lifted suppression for %s\n", green("✓"), sig)
	},
}

var rulesSuppressCmd = &cobra.Command{
	Use:   "suppress <signature>",
	Short: "Suppress a signature by hand",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")
		sig := types.NormalizeSignature(args[0])
		if reason == "" {
			reason = "suppressed by " + operator()
		}

		created, err := learner.Suppress(ctx, sig, reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		if !created {
			fmt.Printf("%s %s is already suppressed\n", yellow("⚠"), sig)
			return
		}
		fmt.Printf("%s Suppressed %s\n", green("✓"), sig)
	},
}

func printReport(w io.Writer, r *learning.Report) {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(w, "\n%s\n", bold("Plan outcomes"))
	fmt.Fprintf(w, "  Total:     %d\n", r.TotalPlans)
	fmt.Fprintf(w, "  Completed: %d\n", r.Completed)
	fmt.Fprintf(w, "  Failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "  Rejected:  %d\n", r.Rejected)
	fmt.Fprintf(w, "  Expired:   %d\n", r.Expired)
	fmt.Fprintf(w, "  Rejection rate: %.0f%%  Success rate: %.0f%%\n", r.RejectionRate()*100, r.SuccessRate()*100)

	if len(r.RejectionCategories) > 0 {
		cats := make([]string, 0, len(r.RejectionCategories))
		for c := range r.RejectionCategories {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		fmt.Fprintf(w, "\n%s\n", bold("Rejection reasons"))
		for _, c := range cats {
			fmt.Fprintf(w, "  %-24s %d\n", c, r.RejectionCategories[c])
		}
	}

	if len(r.Signatures) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Signatures"))
		for _, s := range r.Signatures {
			marker := ""
			if s.Suppressed {
				marker = " " + gray("(suppressed)")
			}
			fmt.Fprintf(w, "  %s%s\n", cyan(s.Signature), marker)
			fmt.Fprintf(w, "    plans %d, rejected %d, completed %d, failed %d, expired %d, rejection rate %.0f%%\n",
				s.Total, s.Rejected, s.Completed, s.Failed, s.Expired, s.RejectionRate()*100)
		}
	}

	fmt.Fprintf(w, "\n%s\n", bold("Suppression rules"))
	if len(r.Rules) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("none"))
	}
	for _, rule := range r.Rules {
		state := "active"
		if !rule.Active {
			state = gray("lifted")
		}
		fmt.Fprintf(w, "  %s [%s] since %s\n", cyan(rule.Signature), state, rule.CreatedAt.Local().Format("2006-01-02"))
		fmt.Fprintf(w, "    %s\n", rule.Reason)
	}

	fmt.Fprintf(w, "\n%s\n", bold("Remediation patterns"))
	if len(r.Patterns) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("none"))
	}
	for _, p := range r.Patterns {
		fmt.Fprintf(w, "  %s used %d time(s), last %s\n", cyan(p.Signature), p.UsageCount, p.LastUsedAt.Local().Format("2006-01-02"))
		for i, step := range p.StepTemplate {
			fmt.Fprintf(w, "    %d. [%s] %s\n", i+1, step.Action, step.Target)
		}
	}
	fmt.Fprintln(w)
}

func init() {
	rulesCmd.Flags().Bool("json", false, "Print the report as JSON")
	rulesSuppressCmd.Flags().StringP("reason", "r", "", "Why the signature is suppressed")
	rulesCmd.AddCommand(rulesLiftCmd)
	rulesCmd.AddCommand(rulesSuppressCmd)
	rootCmd.AddCommand(rulesCmd)
}
