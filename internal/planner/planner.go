// Package planner turns an execution goal into tool steps by offering
// the tool set to a model and collecting the calls it makes.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/llm"
	"github.com/triage-ai/warden/internal/strategy"
	"github.com/triage-ai/warden/internal/tools"
)

var ErrEmptyPlan = errors.New("model proposed no steps")

const listFilesCommand = "git ls-files 2>/dev/null || find . -type f -not -path './.git/*'"

type Config struct {
	// MaxSteps caps how many proposed calls become steps. Default 25.
	MaxSteps int
	// MaxFiles caps the workspace listing sent as context. Default 200;
	// negative disables the listing.
	MaxFiles  int
	MaxTokens int
}

// ModelPlanner implements execution.Planner on an llm.Invoker.
type ModelPlanner struct {
	invoker llm.Invoker
	cfg     Config
	tools   []llm.Tool
	logger  *zap.Logger
}

func New(invoker llm.Invoker, cfg Config, logger *zap.Logger) *ModelPlanner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 25
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = 200
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	defs := make([]llm.Tool, 0, len(tools.All))
	for _, n := range tools.All {
		sch, ok := tools.Schema(n)
		if !ok {
			continue
		}
		defs = append(defs, llm.Tool{Name: string(n), Description: tools.Describe(n), InputSchema: sch})
	}
	return &ModelPlanner{invoker: invoker, cfg: cfg, tools: defs, logger: logger}
}

func (p *ModelPlanner) Plan(ctx context.Context, req execution.PlanRequest) (*execution.Plan, error) {
	prompt := p.userPrompt(ctx, req)
	resp, err := p.invoker.Invoke(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.WithSystem(systemPrompt(strategy.Strategy(req.Context.Strategy))),
		llm.WithTools(p.tools...),
		llm.WithMaxTokens(p.cfg.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("Plan: %w", err)
	}

	plan := &execution.Plan{TokensUsed: resp.Usage.TotalTokens(), CostUSD: resp.Usage.CostUSD}
	if len(resp.ToolCalls) == 0 {
		return plan, fmt.Errorf("Plan: %w: %s", ErrEmptyPlan, truncate(resp.Text, 200))
	}
	calls := resp.ToolCalls
	if len(calls) > p.cfg.MaxSteps {
		p.logger.Warn("plan truncated",
			zap.String("execution_id", req.Context.ExecutionID),
			zap.Int("proposed", len(calls)),
			zap.Int("kept", p.cfg.MaxSteps),
		)
		calls = calls[:p.cfg.MaxSteps]
	}
	for _, c := range calls {
		plan.Steps = append(plan.Steps, execution.StepSpec{
			Tool:  tools.Name(c.Name),
			Input: c.Input,
		})
	}
	if len(plan.Steps) > 0 && resp.Text != "" {
		plan.Steps[0].Description = truncate(resp.Text, 500)
	}
	return plan, nil
}

func (p *ModelPlanner) userPrompt(ctx context.Context, req execution.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n", req.Context.Goal)
	if len(req.Context.Hints) > 0 {
		b.WriteString("\nEarlier attempts failed:\n")
		for _, h := range req.Context.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if files := p.listFiles(ctx, req); files != "" {
		fmt.Fprintf(&b, "\nWorkspace files:\n%s\n", files)
	}
	return b.String()
}

func (p *ModelPlanner) listFiles(ctx context.Context, req execution.PlanRequest) string {
	if p.cfg.MaxFiles < 0 || req.Session == nil {
		return ""
	}
	res, err := req.Session.Run(ctx, listFilesCommand, 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		p.logger.Debug("workspace listing failed", zap.Error(err))
		return ""
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) > p.cfg.MaxFiles {
		lines = append(lines[:p.cfg.MaxFiles], fmt.Sprintf("... and %d more", len(lines)-p.cfg.MaxFiles))
	}
	return strings.Join(lines, "\n")
}

const basePrompt = `You operate on a software project inside an isolated workspace.
Reply only with tool calls; every call you make becomes one step, run in the order given.
Paths are relative to the workspace root. Do not push or open pull requests unless the goal asks for it.`

func systemPrompt(s strategy.Strategy) string {
	var extra string
	switch s {
	case strategy.DirectExecution:
		extra = "Make the smallest set of changes that accomplishes the goal."
	case strategy.ReflectiveAnalysis:
		extra = "Study why the earlier attempts failed before changing anything, and end with a step that verifies the fix."
	case strategy.MultiAgentCollaboration:
		extra = "Plan as an implementer and a reviewer: make the change, then review it with git_diff and run the project's checks."
	default:
		extra = "Inspect the relevant files first, then make the changes, then run a step that verifies them."
	}
	return basePrompt + "\n" + extra
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
