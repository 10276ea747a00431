package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/audit"
	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/hydrate"
	"github.com/triage-ai/warden/internal/pool"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/tools"
)

var (
	runAutoApprove bool
	runBaseDir     string
	runRulesFile   string
	runAuditLog    bool
	runTimeout     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a YAML step plan in a local sandbox",
	Long: `Run every step of a plan in a fresh local session. Each step passes
through the safety gate; steps that need confirmation prompt on stdin
unless --yes is given. Governance ceilings from the plan's limits pause
the run, which then ends as cancelled.

When the plan names a repo, it is cloned into the session first.

Example:
  warden run plan.yaml
  warden run --yes -o json plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().BoolVarP(&runAutoApprove, "yes", "y", false, "Approve every confirmation without prompting")
	runCmd.Flags().StringVar(&runBaseDir, "base-dir", "", "Directory for session workspaces (default: system temp)")
	runCmd.Flags().StringVar(&runRulesFile, "rules", "", "YAML file of custom rules, applied after the plan's rules")
	runCmd.Flags().BoolVar(&runAuditLog, "audit-log", false, "Write audit events to the log instead of keeping them in memory")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Overall deadline for the run")
	rootCmd.AddCommand(runCmd)
}

type runReport struct {
	Execution execution.Snapshot `json:"execution"`
	Sessions  []pool.SessionInfo `json:"sessions"`
	Audit     []*audit.Event     `json:"audit,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}
	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	specs, err := plan.specs()
	if err != nil {
		return err
	}
	rules := plan.Rules
	if runRulesFile != "" {
		extra, err := safety.LoadRules(runRulesFile)
		if err != nil {
			return err
		}
		rules = append(rules, extra...)
	}

	logger := newLogger()
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	sessions := pool.New(sandbox.NewLocalProvider(runBaseDir, nil, logger), nil, pool.Config{MaxSessions: 1, SweepInterval: -1}, logger)
	defer sessions.ReleaseAll(context.Background())

	var host tools.RepoHost
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		if host, err = tools.NewGitHubHost(tools.GitHubConfig{Token: token}); err != nil {
			return err
		}
	}
	dispatcher, err := tools.NewDispatcher(host, logger)
	if err != nil {
		return err
	}

	var writer audit.Writer
	mem := &audit.MemoryWriter{}
	if runAuditLog {
		writer = audit.NewLogWriter(logger)
	} else {
		writer = mem
	}
	defer writer.Close()

	deps := execution.Deps{
		Sessions: sessions,
		Tools:    dispatcher,
		Audit:    audit.NewRecorder(writer, nil, logger),
		Logger:   logger,
	}
	if plan.Repo != "" {
		h, err := hydrate.New(plan, hydrate.Config{GitToken: os.Getenv("GITHUB_TOKEN")}, logger)
		if err != nil {
			return err
		}
		deps.Hydrator = h
	}
	if !runAutoApprove {
		deps.Confirmer = newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	e := execution.New(execution.Context{
		ProjectID:   plan.Project,
		Goal:        plan.Goal,
		CustomRules: rules,
		Limits:      plan.limits(),
	}, deps)
	if _, err := e.AddSteps(specs...); err != nil {
		return err
	}
	if output == "table" {
		e.Subscribe(progressPrinter(cmd.ErrOrStderr()))
	}

	if err := e.Start(ctx); err != nil {
		return err
	}
	snap := e.Snapshot()
	if snap.State == execution.StatePaused {
		// Nobody is around to raise the ceiling.
		if err := e.Cancel(context.Background()); err != nil {
			logger.Warn("cancel of halted run failed", zap.Error(err))
		}
		halted := snap.Reason
		snap = e.Snapshot()
		snap.Reason = halted
	}

	report := runReport{Execution: snap, Sessions: sessions.Sessions()}
	if !runAuditLog {
		report.Audit = mem.Events()
	}
	w := cmd.OutOrStdout()
	if output == "json" {
		if err := printJSON(w, report); err != nil {
			return err
		}
	} else {
		printReport(w, report)
	}

	if snap.State != execution.StateCompleted {
		cmd.SilenceErrors = true
		return fmt.Errorf("execution %s: %s", snap.State, snap.Reason)
	}
	return nil
}

func progressPrinter(w io.Writer) execution.Listener {
	return func(ev execution.Event) {
		switch ev.Type {
		case execution.EventStepStarted:
			fmt.Fprintf(w, "→ step %d %s: %s\n", ev.Step.Number, ev.Step.Tool, ev.Step.Action)
		case execution.EventStepFinished:
			line := fmt.Sprintf("  %s", ev.Step.Status)
			if r := ev.Step.Result; r != nil && r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Fprintln(w, line)
		case execution.EventGovernanceHalt:
			fmt.Fprintf(w, "halted: %s\n", ev.Reason)
		}
	}
}

func printReport(w io.Writer, r runReport) {
	snap := r.Execution
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "execution:\t%s\n", snap.Context.ExecutionID)
	fmt.Fprintf(tw, "state:\t%s\n", snap.State)
	if snap.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", snap.Reason)
	}
	fmt.Fprintf(tw, "cost:\t$%.4f\n", snap.Counters.CostUSD)
	if r.Audit != nil {
		fmt.Fprintf(tw, "audit events:\t%d\n", len(r.Audit))
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTOOL\tSTATUS\tACTION\tCHECKPOINT")
	for _, st := range snap.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.Number, st.Tool, st.Status, truncate(st.Action, 60), st.Checkpoint)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// promptConfirmer asks on the terminal. EOF declines.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

func (c *promptConfirmer) Confirm(ctx context.Context, st execution.Step) (bool, error) {
	fmt.Fprintf(c.out, "step %d (%s) needs confirmation: %s\n  %s\nproceed? [y/N] ",
		st.Number, st.Tool, st.SafetyCheck.Reason, st.Action)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}
		return isYes(a.line), nil
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
