package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/triage-ai/warden/internal/safety"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate safety rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a YAML rule file",
	Long: `Validate every rule's kind and glob pattern. The file has the form:

  rules:
    - id: deny-secrets
      kind: deny
      pattern: "**/secrets/**"
      category: credentials`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := safety.LoadRules(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", args[0], len(rules))
		return nil
	},
}

var rulesDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in rule table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := validateOutput(); err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), safety.DefaultRules)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tCATEGORY\tPATTERN")
		for _, r := range safety.DefaultRules {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Category, r.Pattern)
		}
		return tw.Flush()
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd, rulesDefaultsCmd)
	rootCmd.AddCommand(rulesCmd)
}
