package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/llm"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/sandbox/sandboxtest"
	"github.com/triage-ai/warden/internal/strategy"
	"github.com/triage-ai/warden/internal/tools"
)

type captureInvoker struct {
	resp     *llm.Response
	err      error
	messages []llm.Message
}

func (c *captureInvoker) Invoke(_ context.Context, msgs []llm.Message, _ ...llm.Option) (*llm.Response, error) {
	c.messages = msgs
	return c.resp, c.err
}

func TestPlan_ToolCallsBecomeSteps(t *testing.T) {
	inv := &captureInvoker{resp: &llm.Response{
		Text: "Read then fix.",
		ToolCalls: []llm.ToolCall{
			{ID: "1", Name: "file_read", Input: json.RawMessage(`{"path":"main.go"}`)},
			{ID: "2", Name: "shell", Input: json.RawMessage(`{"command":"go test ./..."}`)},
		},
		Usage: llm.Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
	}}
	sess := sandboxtest.NewSession("s", "p")
	sess.Runner = func(context.Context, *sandboxtest.Session, string) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{Stdout: "main.go\ngo.mod\n"}, nil
	}

	p := New(inv, Config{}, zap.NewNop())
	plan, err := p.Plan(context.Background(), execution.PlanRequest{
		Context: execution.Context{Goal: "fix the build", Hints: []string{"tests failed"}},
		Session: sess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 2 || plan.Steps[0].Tool != tools.FileRead || plan.Steps[1].Tool != tools.Shell {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if plan.Steps[0].Description != "Read then fix." {
		t.Errorf("description = %q", plan.Steps[0].Description)
	}
	if plan.TokensUsed != 150 || plan.CostUSD != 0.01 {
		t.Errorf("usage = %d, %v", plan.TokensUsed, plan.CostUSD)
	}
	prompt := inv.messages[0].Content
	for _, want := range []string{"fix the build", "tests failed", "main.go"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestPlan_Truncates(t *testing.T) {
	calls := make([]llm.ToolCall, 5)
	for i := range calls {
		calls[i] = llm.ToolCall{Name: "git_status", Input: json.RawMessage(`{}`)}
	}
	p := New(&captureInvoker{resp: &llm.Response{ToolCalls: calls}}, Config{MaxSteps: 3, MaxFiles: -1}, zap.NewNop())
	plan, err := p.Plan(context.Background(), execution.PlanRequest{})
	if err != nil || len(plan.Steps) != 3 {
		t.Fatalf("plan = %+v, %v", plan, err)
	}
}

func TestPlan_Errors(t *testing.T) {
	p := New(&captureInvoker{resp: &llm.Response{Text: "I refuse"}}, Config{MaxFiles: -1}, zap.NewNop())
	if _, err := p.Plan(context.Background(), execution.PlanRequest{}); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("empty plan err = %v", err)
	}

	p = New(&captureInvoker{err: errors.New("overloaded")}, Config{MaxFiles: -1}, zap.NewNop())
	if _, err := p.Plan(context.Background(), execution.PlanRequest{}); err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("invoke err = %v", err)
	}
}

func TestSystemPromptVariesByStrategy(t *testing.T) {
	seen := map[string]strategy.Strategy{}
	for _, s := range []strategy.Strategy{strategy.DirectExecution, strategy.PlanAndExecute, strategy.ReflectiveAnalysis, strategy.MultiAgentCollaboration} {
		prompt := systemPrompt(s)
		if prev, dup := seen[prompt]; dup {
			t.Errorf("%s and %s share a prompt", prev, s)
		}
		seen[prompt] = s
	}
}

func TestNew_OffersEveryTool(t *testing.T) {
	p := New(&captureInvoker{}, Config{}, zap.NewNop())
	if len(p.tools) != len(tools.All) {
		t.Fatalf("offered %d tools, want %d", len(p.tools), len(tools.All))
	}
	for _, def := range p.tools {
		if def.Description == "" || !json.Valid(def.InputSchema) {
			t.Errorf("tool %s: bad definition", def.Name)
		}
	}
}
