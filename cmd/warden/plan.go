package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/tools"
)

// planFile is the YAML form of a step plan:
//
//	project: demo
//	repo: https://github.com/acme/demo.git
//	limits:
//	  max_steps: 10
//	steps:
//	  - tool: shell
//	    input:
//	      command: go test ./...
type planFile struct {
	Project string        `yaml:"project"`
	Goal    string        `yaml:"goal"`
	Repo    string        `yaml:"repo"`
	Branch  string        `yaml:"branch"`
	Limits  planLimits    `yaml:"limits"`
	Rules   []safety.Rule `yaml:"rules"`
	Steps   []planStep    `yaml:"steps"`
}

type planLimits struct {
	BudgetUSD          float64 `yaml:"budget_usd"`
	MaxSteps           int     `yaml:"max_steps"`
	UncertaintyPct     float64 `yaml:"uncertainty_pct"`
	RequireCheckpoints bool    `yaml:"require_checkpoints"`
}

type planStep struct {
	Tool        tools.Name     `yaml:"tool"`
	Description string         `yaml:"description"`
	Input       map[string]any `yaml:"input"`
}

func loadPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loadPlan: %w", err)
	}
	return parsePlan(data)
}

func parsePlan(data []byte) (*planFile, error) {
	var p planFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsePlan: %w", err)
	}
	if p.Project == "" {
		p.Project = "local"
	}
	if len(p.Steps) == 0 {
		return nil, errors.New("parsePlan: no steps")
	}
	for i, st := range p.Steps {
		if !st.Tool.Valid() {
			return nil, fmt.Errorf("parsePlan: steps[%d]: unknown tool %q", i, st.Tool)
		}
	}
	if err := safety.ValidateRules(p.Rules); err != nil {
		return nil, fmt.Errorf("parsePlan: %w", err)
	}
	return &p, nil
}

// specs converts each step's YAML input to the JSON the tools take.
func (p *planFile) specs() ([]execution.StepSpec, error) {
	out := make([]execution.StepSpec, 0, len(p.Steps))
	for i, st := range p.Steps {
		input := st.Input
		if input == nil {
			input = map[string]any{}
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: input: %w", i, err)
		}
		out = append(out, execution.StepSpec{Tool: st.Tool, Input: raw, Description: st.Description})
	}
	return out, nil
}

func (p *planFile) limits() execution.Limits {
	return execution.Limits{
		BudgetUSD:          p.Limits.BudgetUSD,
		MaxSteps:           p.Limits.MaxSteps,
		UncertaintyPct:     p.Limits.UncertaintyPct,
		RequireCheckpoints: p.Limits.RequireCheckpoints,
	}
}

// GetProject serves the plan's own repository to the hydrator.
func (p *planFile) GetProject(_ context.Context, id string) (*store.Project, error) {
	if id != p.Project || p.Repo == "" {
		return nil, store.ErrNotFound
	}
	return &store.Project{ID: p.Project, Name: p.Project, RepoURL: p.Repo, DefaultBranch: p.Branch}, nil
}
