package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/strategy"
	"github.com/triage-ai/warden/internal/tools"
)

// --- POST /v1/safety/check ---

type CheckRequest struct {
	Action      string        `json:"action"`
	ProjectID   string        `json:"project_id,omitempty"`
	CustomRules []safety.Rule `json:"custom_rules,omitempty"`
}

type CheckResponse struct {
	safety.CheckResult
	LatencyMs float64 `json:"latency_ms"`
}

// ValidateRulesRequest is the body for POST /v1/safety/rules/validate.
type ValidateRulesRequest struct {
	Rules []safety.Rule `json:"rules"`
}

type ValidateRulesResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// --- Executions ---

// LimitsReq overrides governance ceilings. Nil fields keep the value
// resolved from the store or the server defaults.
type LimitsReq struct {
	BudgetUSD          *float64 `json:"budget_limit_usd,omitempty"`
	MaxSteps           *int     `json:"max_steps,omitempty"`
	UncertaintyPct     *float64 `json:"uncertainty_threshold_pct,omitempty"`
	RequireCheckpoints *bool    `json:"require_checkpoints,omitempty"`
}

func (l *LimitsReq) apply(base execution.Limits) execution.Limits {
	if l == nil {
		return base
	}
	if l.BudgetUSD != nil {
		base.BudgetUSD = *l.BudgetUSD
	}
	if l.MaxSteps != nil {
		base.MaxSteps = *l.MaxSteps
	}
	if l.UncertaintyPct != nil {
		base.UncertaintyPct = *l.UncertaintyPct
	}
	if l.RequireCheckpoints != nil {
		base.RequireCheckpoints = *l.RequireCheckpoints
	}
	return base
}

type StepReq struct {
	Tool        tools.Name      `json:"tool"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description,omitempty"`
}

// SubmitExecutionReq is the body for POST /v1/executions. With no steps
// the server's planner is asked for them.
type SubmitExecutionReq struct {
	UserID    string     `json:"user_id"`
	AgentType string     `json:"agent_type"`
	ProjectID string     `json:"project_id"`
	Goal      string     `json:"goal"`
	Steps     []StepReq  `json:"steps,omitempty"`
	Limits    *LimitsReq `json:"limits,omitempty"`
	// AutoApprove runs confirmation-requiring steps without asking.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

type ExecutionSummary struct {
	ExecutionID string          `json:"execution_id"`
	ProjectID   string          `json:"project_id"`
	UserID      string          `json:"user_id"`
	State       execution.State `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Steps       int             `json:"steps"`
	CurrentStep int             `json:"current_step"`
	CostUSD     float64         `json:"cost_usd"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func summarize(s execution.Snapshot) ExecutionSummary {
	return ExecutionSummary{
		ExecutionID: s.Context.ExecutionID,
		ProjectID:   s.Context.ProjectID,
		UserID:      s.Context.UserID,
		State:       s.State,
		Reason:      s.Reason,
		Steps:       len(s.Steps),
		CurrentStep: s.CurrentIndex,
		CostUSD:     s.Counters.CostUSD,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
}

type ConfirmReq struct {
	Approved bool `json:"approved"`
}

type UsageReq struct {
	Tokens         int64    `json:"tokens"`
	CostUSD        float64  `json:"cost_usd"`
	UncertaintyPct *float64 `json:"uncertainty_pct,omitempty"`
}

// AuditEventResp is one audit row. Output is decompressed.
type AuditEventResp struct {
	EventID     string          `json:"event_id"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecutionID string          `json:"execution_id"`
	ProjectID   string          `json:"project_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Name        string          `json:"name"`
	Level       string          `json:"level"`
	Data        json.RawMessage `json:"data,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	Output      string          `json:"output,omitempty"`
}

type AuditEventListResp struct {
	Events   []AuditEventResp `json:"events"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// --- Tasks ---

type SubmitTaskReq struct {
	UserID      string     `json:"user_id"`
	AgentType   string     `json:"agent_type"`
	ProjectID   string     `json:"project_id"`
	Description string     `json:"description"`
	Type        string     `json:"type,omitempty"`
	Limits      *LimitsReq `json:"limits,omitempty"`
}

type TaskResp struct {
	TaskID     string            `json:"task_id"`
	Done       bool              `json:"done"`
	Executions []string          `json:"executions"`
	Outcome    *strategy.Outcome `json:"outcome,omitempty"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
