package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/triage-ai/warden/internal/safety"
)

// errDenied makes a denied check exit non-zero without extra output.
var errDenied = errors.New("action denied")

var checkRulesFile string

var checkCmd = &cobra.Command{
	Use:   "check <action>",
	Short: "Check one action against the safety gate",
	Long: `Check a shell command or file path against the injection patterns, the
dangerous-command table and the rule table. Rules from --rules are
evaluated before the built-in rules.

Exits 1 when the action is denied.

Example:
  warden check "git push origin main"
  warden check --rules rules.yaml /etc/passwd`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkRulesFile, "rules", "", "YAML file of custom rules")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}
	var custom []safety.Rule
	if checkRulesFile != "" {
		var err error
		if custom, err = safety.LoadRules(checkRulesFile); err != nil {
			return err
		}
	}

	res := safety.NewGate().Check(strings.Join(args, " "), custom)
	w := cmd.OutOrStdout()
	if output == "json" {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else {
		printCheck(w, res)
	}
	if !res.Allowed {
		cmd.SilenceErrors = true
		return errDenied
	}
	return nil
}

func printCheck(w io.Writer, res safety.CheckResult) {
	verdict := "ALLOW"
	switch {
	case !res.Allowed:
		verdict = "DENY"
	case res.RequiresConfirmation:
		verdict = "CONFIRM"
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "verdict:\t%s\n", verdict)
	fmt.Fprintf(tw, "risk:\t%s\n", res.RiskLevel)
	if res.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", res.Reason)
	}
	if res.MatchedRule != nil {
		fmt.Fprintf(tw, "rule:\t%s (%s %q)\n", res.MatchedRule.ID, res.MatchedRule.Kind, res.MatchedRule.Pattern)
	}
	_ = tw.Flush()
}
