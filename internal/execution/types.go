// Package execution drives one task's ordered tool steps through a
// pooled sandbox session under safety and spending governance.
package execution

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/tools"
)

var (
	ErrInvalidTransition     = errors.New("invalid execution state transition")
	ErrAlreadyStarted        = errors.New("execution already started")
	ErrNoPendingConfirmation = errors.New("no confirmation pending for step")
)

// State is the execution lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateInitializing         State = "initializing"
	StateHydrating            State = "hydrating"
	StatePlanning             State = "planning"
	StateExecuting            State = "executing"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StatePaused               State = "paused"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// started reports whether the step loop has been entered.
func (s State) started() bool {
	switch s {
	case StateIdle, StateInitializing, StateHydrating, StatePlanning:
		return false
	}
	return true
}

type StepStatus string

const (
	StepPending              StepStatus = "pending"
	StepRunning              StepStatus = "running"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepComplete             StepStatus = "complete"
	StepFailed               StepStatus = "failed"
	StepSkipped              StepStatus = "skipped"
)

// StepSpec is a step as submitted by a caller or planner.
type StepSpec struct {
	Tool        tools.Name      `json:"tool" yaml:"tool"`
	Input       json.RawMessage `json:"input" yaml:"-"`
	Description string          `json:"description,omitempty" yaml:"description"`
}

// Step is one queued tool invocation. Steps are owned by a single
// engine; callers only ever see copies.
type Step struct {
	ID                   string             `json:"id"`
	Number               int                `json:"step_number"`
	Tool                 tools.Name         `json:"tool"`
	Action               string             `json:"action"`
	Description          string             `json:"description,omitempty"`
	Input                json.RawMessage    `json:"input"`
	Status               StepStatus         `json:"status"`
	RequiresConfirmation bool               `json:"requires_confirmation"`
	SafetyCheck          safety.CheckResult `json:"safety_check"`
	Result               *tools.Result      `json:"result,omitempty"`
	Checkpoint           string             `json:"checkpoint,omitempty"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

func (s Step) clone() Step {
	c := s
	if s.Result != nil {
		r := *s.Result
		if s.Result.Metadata != nil {
			r.Metadata = make(map[string]string, len(s.Result.Metadata))
			for k, v := range s.Result.Metadata {
				r.Metadata[k] = v
			}
		}
		c.Result = &r
	}
	if s.SafetyCheck.MatchedRule != nil {
		rule := *s.SafetyCheck.MatchedRule
		c.SafetyCheck.MatchedRule = &rule
	}
	return c
}

// Limits are the governance ceilings. Zero disables a ceiling.
type Limits struct {
	BudgetUSD          float64 `json:"budget_limit_usd"`
	MaxSteps           int     `json:"max_steps"`
	UncertaintyPct     float64 `json:"uncertainty_threshold_pct"`
	RequireCheckpoints bool    `json:"require_checkpoints"`
}

// Context describes one submitted task.
type Context struct {
	ExecutionID string        `json:"execution_id"`
	UserID      string        `json:"user_id"`
	AgentType   string        `json:"agent_type"`
	ProjectID   string        `json:"project_id"`
	Goal        string        `json:"goal"`
	CustomRules []safety.Rule `json:"custom_rules,omitempty"`
	Limits      Limits        `json:"limits"`
	// Strategy and Hints are set when the strategy controller drives the
	// execution; planners use them to shape the plan.
	Strategy string   `json:"strategy,omitempty"`
	Hints    []string `json:"hints,omitempty"`
}

// Counters are the governance meters the engine accumulates.
type Counters struct {
	TokensUsed     int64   `json:"tokens_used"`
	CostUSD        float64 `json:"cost_usd"`
	UncertaintyPct float64 `json:"uncertainty_pct"`
}

// Snapshot is a consistent copy of an engine's observable state.
type Snapshot struct {
	Context      Context    `json:"context"`
	State        State      `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	CurrentIndex int        `json:"current_index"`
	Steps        []Step     `json:"steps"`
	Counters     Counters   `json:"counters"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type EventType string

const (
	EventStateChanged          EventType = "state_changed"
	EventStepStarted           EventType = "step_started"
	EventStepFinished          EventType = "step_finished"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventGovernanceHalt        EventType = "governance_halt"
)

// Event is delivered to listeners synchronously from the step loop, so
// step events arrive in step order.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	From        State     `json:"from,omitempty"`
	State       State     `json:"state"`
	Step        *Step     `json:"step,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Listener receives engine events. It must not call back into the
// engine's blocking methods.
type Listener func(Event)
