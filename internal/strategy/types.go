// Package strategy wraps one task in complexity analysis, strategy
// selection and confidence-driven fallback. It never touches sessions or
// tools; work is done by a caller-supplied Executor.
package strategy

import (
	"context"
	"time"
)

type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
	Critical Complexity = "critical"
)

func (c Complexity) Valid() bool {
	switch c {
	case Simple, Moderate, Complex, Critical:
		return true
	}
	return false
}

type Strategy string

const (
	DirectExecution         Strategy = "direct_execution"
	PlanAndExecute          Strategy = "plan_and_execute"
	ReflectiveAnalysis      Strategy = "reflective_analysis"
	MultiAgentCollaboration Strategy = "multi_agent_collaboration"
)

// Decision is what the controller did after the last attempt.
type Decision string

const (
	DecisionComplete       Decision = "complete"
	DecisionSwitchStrategy Decision = "switch_strategy"
	DecisionRetry          Decision = "retry"
	DecisionEscalateHuman  Decision = "escalate_human"
	DecisionAbort          Decision = "abort"
)

// Task is the unit submitted to the controller.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        string         `json:"type,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Result is one executor attempt's outcome.
type Result struct {
	Success bool    `json:"success"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
}

// Attempt is passed to the executor so later attempts can see what
// failed before them.
type Attempt struct {
	Number   int
	Strategy Strategy
	Previous []AttemptRecord
}

type AttemptRecord struct {
	Strategy Strategy      `json:"strategy"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs task under one strategy. A returned error or panic
// counts as a failed attempt.
type Executor func(ctx context.Context, task Task, attempt Attempt) (*Result, error)

type Metrics struct {
	Confidence      float64    `json:"confidence"`
	Attempts        int        `json:"attempts"`
	CurrentStrategy Strategy   `json:"current_strategy"`
	Complexity      Complexity `json:"complexity"`
}

// Outcome is ExecuteTask's report.
type Outcome struct {
	// Result is the last attempt's result.
	Result        *Result         `json:"result"`
	Metrics       Metrics         `json:"metrics"`
	ExecutionPath []Strategy      `json:"execution_path"`
	Attempts      []AttemptRecord `json:"attempts"`
	Decision      Decision        `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
}
