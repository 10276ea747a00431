package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/audit"
	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/hydrate"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/tools"
)

// SessionSource hands out the session for a project key.
type SessionSource interface {
	Acquire(ctx context.Context, projectKey string) (sandbox.Session, error)
}

// Hydrator prepares a fresh session with the project's code and secrets.
type Hydrator interface {
	Hydrate(ctx context.Context, s sandbox.Session, projectID string) (*hydrate.Result, error)
}

// ToolRunner executes one tool call. Failures are reported on the result.
type ToolRunner interface {
	Execute(ctx context.Context, s sandbox.Session, tool tools.Name, input json.RawMessage) *tools.Result
}

// PlanRequest is what a Planner sees when asked for steps.
type PlanRequest struct {
	Context Context
	Session sandbox.Session
}

// Plan is a planner's answer plus what producing it cost.
type Plan struct {
	Steps      []StepSpec
	TokensUsed int64
	CostUSD    float64
}

// Planner produces steps for executions submitted without any.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// Deps wires an Engine. Sessions and Tools are required.
type Deps struct {
	Sessions  SessionSource
	Tools     ToolRunner
	Gate      *safety.Gate
	Hydrator  Hydrator
	Planner   Planner
	Confirmer Confirmer
	Audit     *audit.Recorder
	Clock     clock.Clock
	Logger    *zap.Logger
}

var transitions = map[State][]State{
	StateIdle:                 {StateInitializing, StateCancelled},
	StateInitializing:         {StateHydrating, StateFailed, StateCancelled},
	StateHydrating:            {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:             {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:            {StateAwaitingConfirmation, StatePaused, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingConfirmation: {StateExecuting, StateFailed, StateCancelled},
	StatePaused:               {StateExecuting, StateFailed, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Engine runs one execution. Start and Resume drive the step loop on the
// calling goroutine; every other method is safe to call concurrently.
type Engine struct {
	ec        Context
	sessions  SessionSource
	runner    ToolRunner
	gate      *safety.Gate
	hydrator  Hydrator
	planner   Planner
	confirmer Confirmer
	audit     *audit.Recorder
	clk       clock.Clock
	tracer    trace.Tracer
	logger    *zap.Logger

	// waitCtx bounds confirmation waits; Cancel ends it. In-flight tool
	// calls run on the caller's context and are left to finish.
	waitCtx    context.Context
	waitCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	reason     string
	steps      []*Step
	index      int
	counters   Counters
	session    sandbox.Session
	running    bool
	loopDone   chan struct{}
	listeners  []Listener
	startedAt  *time.Time
	finishedAt *time.Time
}

// New returns an idle engine for ec. An empty ExecutionID is filled in.
func New(ec Context, deps Deps) *Engine {
	if ec.ExecutionID == "" {
		ec.ExecutionID = uuid.NewString()
	}
	if deps.Gate == nil {
		deps.Gate = safety.NewGate()
	}
	deps.Gate.Compile(ec.CustomRules)
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	waitCtx, waitCancel := context.WithCancel(context.Background())
	return &Engine{
		ec:         ec,
		sessions:   deps.Sessions,
		runner:     deps.Tools,
		gate:       deps.Gate,
		hydrator:   deps.Hydrator,
		planner:    deps.Planner,
		confirmer:  deps.Confirmer,
		audit:      deps.Audit.With(audit.Scope{ExecutionID: ec.ExecutionID, ProjectID: ec.ProjectID, UserID: ec.UserID}),
		clk:        deps.Clock,
		tracer:     otel.Tracer("github.com/triage-ai/warden/internal/execution"),
		logger:     deps.Logger.With(zap.String("execution_id", ec.ExecutionID)),
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
		state:      StateIdle,
	}
}

func (e *Engine) ID() string { return e.ec.ExecutionID }

// Subscribe registers l for every subsequent event.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// AddSteps queues steps, running the safety check on each. Steps can only
// be added before the step loop starts.
func (e *Engine) AddSteps(specs ...StepSpec) ([]Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.started() {
		return nil, ErrAlreadyStarted
	}
	return e.addStepsLocked(specs), nil
}

func (e *Engine) addStepsLocked(specs []StepSpec) []Step {
	out := make([]Step, 0, len(specs))
	for _, spec := range specs {
		action := tools.Action(spec.Tool, spec.Input)
		check := e.gate.Check(action, e.ec.CustomRules)
		if p := tools.Path(spec.Tool, spec.Input); p != "" && p != action {
			check = safety.Stricter(check, e.gate.Check(p, e.ec.CustomRules))
		}
		st := &Step{
			ID:                   uuid.NewString(),
			Number:               len(e.steps) + 1,
			Tool:                 spec.Tool,
			Action:               action,
			Description:          spec.Description,
			Input:                spec.Input,
			Status:               StepPending,
			RequiresConfirmation: check.RequiresConfirmation,
			SafetyCheck:          check,
		}
		e.steps = append(e.steps, st)
		out = append(out, st.clone())
	}
	return out
}

// Start acquires a session, hydrates and plans, then runs steps until the
// execution finishes or pauses. The outcome is read from Snapshot; the
// error only reports misuse.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle || e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	now := e.clk.Now()
	e.startedAt = &now
	e.enterLoopLocked()
	ev := e.transitionLocked(StateInitializing, "")
	e.mu.Unlock()
	e.emit(ev)

	ctx, span := e.tracer.Start(ctx, "warden.execution", trace.WithAttributes(
		attribute.String("execution.id", e.ec.ExecutionID),
		attribute.String("project.id", e.ec.ProjectID),
	))
	defer span.End()

	if !e.prepare(ctx) {
		e.mu.Lock()
		e.exitLoopLocked()
		e.mu.Unlock()
		return nil
	}
	e.loop(ctx)
	return nil
}

// Resume continues a paused execution from its current step.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.state)
	}
	ev := e.transitionLocked(StateExecuting, "resumed")
	if e.running {
		// The loop is finishing the step that was in flight at pause
		// time and will carry on.
		e.mu.Unlock()
		e.emit(ev)
		return nil
	}
	e.enterLoopLocked()
	e.mu.Unlock()
	e.emit(ev)
	e.loop(ctx)
	return nil
}

// Pause stops the loop before its next step. A step already running
// completes first.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StateExecuting {
		e.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, e.state)
	}
	ev := e.transitionLocked(StatePaused, "paused by caller")
	e.mu.Unlock()
	e.emit(ev)
	return nil
}

// Cancel ends the execution. It waits for an in-flight step to return,
// whose result is then discarded, or for ctx to end.
func (e *Engine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	if e.state.IsTerminal() {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, st)
	}
	ev := e.transitionLocked(StateCancelled, "cancelled by caller")
	e.waitCancel()
	running, done := e.running, e.loopDone
	e.mu.Unlock()
	e.emit(ev)

	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UpdateLimits replaces the governance ceilings, typically while paused
// on one of them.
func (e *Engine) UpdateLimits(l Limits) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsTerminal() {
		return fmt.Errorf("%w: update limits in %s", ErrInvalidTransition, e.state)
	}
	e.ec.Limits = l
	return nil
}

// RecordUsage adds model spend to the execution's meters.
func (e *Engine) RecordUsage(tokens int64, costUSD float64) {
	e.mu.Lock()
	e.counters.TokensUsed += tokens
	e.counters.CostUSD += costUSD
	e.mu.Unlock()
}

// SetUncertainty sets the current uncertainty estimate, in percent.
func (e *Engine) SetUncertainty(pct float64) {
	e.mu.Lock()
	e.counters.UncertaintyPct = pct
	e.mu.Unlock()
}

// Wait blocks until no loop is running or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	running, done := e.running, e.loopDone
	e.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Context:      e.ec,
		State:        e.state,
		Reason:       e.reason,
		CurrentIndex: e.index,
		Counters:     e.counters,
		Steps:        make([]Step, len(e.steps)),
		StartedAt:    e.startedAt,
		FinishedAt:   e.finishedAt,
	}
	if e.session != nil {
		snap.SessionID = e.session.ID()
	}
	for i, s := range e.steps {
		snap.Steps[i] = s.clone()
	}
	return snap
}

// prepare runs the phases before the step loop. It returns false when
// the execution ended during them.
func (e *Engine) prepare(ctx context.Context) bool {
	s, err := e.sessions.Acquire(ctx, e.ec.ProjectID)
	if err != nil {
		e.fail(fmt.Sprintf("acquire session: %v", err))
		return false
	}
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	if !e.advance(StateInitializing, StateHydrating) {
		return false
	}

	if err := e.hydrate(ctx, s); err != nil {
		e.fail(err.Error())
		return false
	}
	if !e.advance(StateHydrating, StatePlanning) {
		return false
	}

	e.mu.Lock()
	needPlan := e.planner != nil && len(e.steps) == 0
	ec := e.ec
	e.mu.Unlock()
	if needPlan {
		plan, err := e.planner.Plan(ctx, PlanRequest{Context: ec, Session: s})
		if err != nil {
			e.fail(fmt.Sprintf("plan: %v", err))
			return false
		}
		e.mu.Lock()
		e.counters.TokensUsed += plan.TokensUsed
		e.counters.CostUSD += plan.CostUSD
		e.addStepsLocked(plan.Steps)
		e.mu.Unlock()
		e.logger.Info("plan produced", zap.Int("steps", len(plan.Steps)))
	}
	return e.advance(StatePlanning, StateExecuting)
}

func (e *Engine) hydrate(ctx context.Context, s sandbox.Session) error {
	if e.hydrator == nil || e.ec.ProjectID == "" {
		return nil
	}
	res, err := e.hydrator.Hydrate(ctx, s, e.ec.ProjectID)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	e.audit.Record("execution.hydrated", audit.LevelInfo, map[string]any{
		"session_id":       s.ID(),
		"files_cloned":     res.FilesCloned,
		"secrets_injected": res.SecretsInjected,
	})
	return nil
}

// attach re-acquires the session before a step. The pool returns the
// same session while it lives, which also refreshes its idle deadline.
// A session evicted while the execution was paused or waiting for
// confirmation is replaced and hydrated again.
func (e *Engine) attach(ctx context.Context) (sandbox.Session, error) {
	s, err := e.sessions.Acquire(ctx, e.ec.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	e.mu.Lock()
	prev := e.session
	e.session = s
	e.mu.Unlock()
	if prev != nil && prev.ID() == s.ID() {
		return s, nil
	}
	e.logger.Info("session replaced", zap.String("session_id", s.ID()))
	e.audit.Record("execution.session_replaced", audit.LevelWarn, map[string]any{
		"session_id": s.ID(),
	})
	if err := e.hydrate(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) loop(ctx context.Context) {
	for {
		e.mu.Lock()
		step, evs := e.nextLocked(ctx)
		if step == nil {
			e.exitLoopLocked()
		}
		e.mu.Unlock()
		e.emit(evs...)
		if step == nil {
			return
		}
		e.runStep(ctx, step)
	}
}

// nextLocked returns the step to run, or nil with the events of whatever
// stopped the loop.
func (e *Engine) nextLocked(ctx context.Context) (*Step, []Event) {
	if e.state != StateExecuting {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, []Event{e.transitionLocked(StateCancelled, fmt.Sprintf("context ended: %v", err))}
	}
	if e.index >= len(e.steps) {
		return nil, []Event{e.transitionLocked(StateCompleted, fmt.Sprintf("all %d steps completed", len(e.steps)))}
	}
	if reason := e.governanceLocked(); reason != "" {
		ev := e.transitionLocked(StatePaused, reason)
		halt := e.eventLocked(EventGovernanceHalt, reason)
		halt.Step = ptr(e.steps[e.index].clone())
		return nil, []Event{ev, halt}
	}
	return e.steps[e.index], nil
}

func (e *Engine) governanceLocked() string {
	l, c := e.ec.Limits, e.counters
	switch {
	case l.BudgetUSD > 0 && c.CostUSD >= l.BudgetUSD:
		return fmt.Sprintf("budget exhausted: spent $%.4f of $%.4f", c.CostUSD, l.BudgetUSD)
	case l.MaxSteps > 0 && e.index >= l.MaxSteps:
		return fmt.Sprintf("step limit reached: %d of %d", e.index, l.MaxSteps)
	case l.UncertaintyPct > 0 && c.UncertaintyPct > l.UncertaintyPct:
		return fmt.Sprintf("uncertainty %.1f%% exceeds threshold %.1f%%", c.UncertaintyPct, l.UncertaintyPct)
	}
	return ""
}

func (e *Engine) runStep(ctx context.Context, st *Step) {
	ctx, span := e.tracer.Start(ctx, "warden.execution.step", trace.WithAttributes(
		attribute.Int("step.number", st.Number),
		attribute.String("step.tool", string(st.Tool)),
	))
	defer span.End()

	e.mu.Lock()
	if e.state != StateExecuting {
		e.mu.Unlock()
		return
	}
	if !st.SafetyCheck.Allowed {
		reason := fmt.Sprintf("step %d denied: %s", st.Number, st.SafetyCheck.Reason)
		span.SetStatus(codes.Error, reason)
		e.finishStepLocked(st, StepFailed, &tools.Result{Error: st.SafetyCheck.Reason, ExitCode: -1})
		evs := []Event{
			e.stepEventLocked(EventStepFinished, st),
			e.transitionLocked(StateFailed, reason),
		}
		e.mu.Unlock()
		e.emit(evs...)
		return
	}
	e.mu.Unlock()

	if st.RequiresConfirmation && e.confirmer != nil {
		if !e.confirm(ctx, st) {
			return
		}
	}

	s, err := e.attach(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.fail(fmt.Sprintf("step %d (%s): %v", st.Number, st.Tool, err))
		return
	}

	e.mu.Lock()
	if e.state != StateExecuting {
		e.mu.Unlock()
		return
	}
	now := e.clk.Now()
	st.Status = StepRunning
	st.StartedAt = &now
	started := e.stepEventLocked(EventStepStarted, st)
	e.mu.Unlock()
	e.emit(started)

	res := e.runner.Execute(ctx, s, st.Tool, st.Input)
	if res == nil {
		res = &tools.Result{Error: "tool returned no result", ExitCode: -1}
	}

	e.mu.Lock()
	checkpoint := res.Success && e.ec.Limits.RequireCheckpoints && st.Tool.Mutating() && e.state != StateCancelled
	e.mu.Unlock()
	var ref string
	if checkpoint {
		var err error
		if ref, err = tools.Checkpoint(ctx, s); err != nil {
			e.logger.Warn("checkpoint failed", zap.Int("step", st.Number), zap.Error(err))
			ref = ""
		}
	}

	e.mu.Lock()
	e.counters.CostUSD += res.CostUSD
	if e.state.IsTerminal() {
		e.finishStepLocked(st, StepSkipped, &tools.Result{Error: "execution cancelled; result discarded", ExitCode: -1})
		ev := e.stepEventLocked(EventStepFinished, st)
		e.mu.Unlock()
		e.emit(ev)
		return
	}
	if ref != "" {
		st.Checkpoint = ref
		if res.Metadata == nil {
			res.Metadata = make(map[string]string, 1)
		}
		res.Metadata["checkpoint"] = ref
	}
	status := StepComplete
	if !res.Success {
		status = StepFailed
	}
	e.finishStepLocked(st, status, res)
	e.index++
	evs := []Event{e.stepEventLocked(EventStepFinished, st)}
	if !res.Success {
		reason := fmt.Sprintf("step %d (%s) failed: %s", st.Number, st.Tool, res.Error)
		span.SetStatus(codes.Error, reason)
		evs = append(evs, e.transitionLocked(StateFailed, reason))
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// confirm parks the execution in awaiting_confirmation until the
// Confirmer answers. It reports whether the step should run; a decline
// skips the step and moves on.
func (e *Engine) confirm(ctx context.Context, st *Step) bool {
	e.mu.Lock()
	if e.state != StateExecuting {
		e.mu.Unlock()
		return false
	}
	st.Status = StepAwaitingConfirmation
	evs := []Event{
		e.transitionLocked(StateAwaitingConfirmation, st.SafetyCheck.Reason),
		e.stepEventLocked(EventConfirmationRequested, st),
	}
	view := st.clone()
	e.mu.Unlock()
	e.emit(evs...)

	cctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(e.waitCtx, stop)
	defer unhook()

	approved, err := e.confirmer.Confirm(cctx, view)

	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.emit(evs...)
	}()
	evs = nil
	if e.state != StateAwaitingConfirmation {
		st.Status = StepPending
		return false
	}
	switch {
	case err != nil && ctx.Err() != nil:
		st.Status = StepPending
		evs = append(evs, e.transitionLocked(StateCancelled, fmt.Sprintf("context ended: %v", ctx.Err())))
		return false
	case err != nil:
		e.finishStepLocked(st, StepFailed, &tools.Result{Error: err.Error(), ExitCode: -1})
		evs = append(evs,
			e.stepEventLocked(EventStepFinished, st),
			e.transitionLocked(StateFailed, fmt.Sprintf("step %d confirmation: %v", st.Number, err)),
		)
		return false
	case !approved:
		e.finishStepLocked(st, StepSkipped, &tools.Result{Error: "declined by user", ExitCode: -1})
		e.index++
		evs = append(evs,
			e.transitionLocked(StateExecuting, fmt.Sprintf("step %d declined", st.Number)),
			e.stepEventLocked(EventStepFinished, st),
		)
		return false
	}
	evs = append(evs, e.transitionLocked(StateExecuting, fmt.Sprintf("step %d approved", st.Number)))
	return true
}

func (e *Engine) finishStepLocked(st *Step, status StepStatus, res *tools.Result) {
	now := e.clk.Now()
	st.Status = status
	st.Result = res
	st.CompletedAt = &now
}

// advance moves from -> to unless something else, such as Cancel, moved
// the state first.
func (e *Engine) advance(from, to State) bool {
	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return false
	}
	ev := e.transitionLocked(to, "")
	e.mu.Unlock()
	e.emit(ev)
	return true
}

func (e *Engine) fail(reason string) {
	e.mu.Lock()
	if !canTransition(e.state, StateFailed) {
		e.mu.Unlock()
		return
	}
	ev := e.transitionLocked(StateFailed, reason)
	e.mu.Unlock()
	e.emit(ev)
}

// transitionLocked moves to the given state. Callers check legality;
// an illegal move is a programming error and is logged, not applied.
func (e *Engine) transitionLocked(to State, reason string) Event {
	from := e.state
	if !canTransition(from, to) {
		e.logger.DPanic("illegal state transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return e.eventLocked(EventStateChanged, reason)
	}
	e.state = to
	e.reason = reason
	if to.IsTerminal() {
		now := e.clk.Now()
		e.finishedAt = &now
		e.waitCancel()
	}
	ev := e.eventLocked(EventStateChanged, reason)
	ev.From = from
	return ev
}

func (e *Engine) eventLocked(t EventType, reason string) Event {
	return Event{
		Type:        t,
		ExecutionID: e.ec.ExecutionID,
		State:       e.state,
		Reason:      reason,
		At:          e.clk.Now(),
	}
}

func (e *Engine) stepEventLocked(t EventType, st *Step) Event {
	ev := e.eventLocked(t, "")
	ev.Step = ptr(st.clone())
	return ev
}

func (e *Engine) enterLoopLocked() {
	e.running = true
	e.loopDone = make(chan struct{})
}

func (e *Engine) exitLoopLocked() {
	if e.running {
		e.running = false
		close(e.loopDone)
	}
}

// emit logs, audits and fans out events. Called without e.mu held.
func (e *Engine) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, ev := range evs {
		e.record(ev)
		for _, l := range listeners {
			l(ev)
		}
	}
}

func (e *Engine) record(ev Event) {
	switch ev.Type {
	case EventStateChanged:
		level := audit.LevelInfo
		if ev.State == StateFailed {
			level = audit.LevelError
		}
		e.logger.Info("execution state changed",
			zap.String("from", string(ev.From)),
			zap.String("to", string(ev.State)),
			zap.String("reason", ev.Reason),
		)
		e.audit.Record("execution.state_changed", level, map[string]any{
			"from": ev.From, "to": ev.State, "reason": ev.Reason,
		})
	case EventGovernanceHalt:
		e.logger.Warn("governance limit reached", zap.String("reason", ev.Reason))
		e.audit.Record("execution.governance_halt", audit.LevelWarn, map[string]any{"reason": ev.Reason})
	case EventConfirmationRequested:
		e.audit.Record("execution.confirmation_requested", audit.LevelInfo, map[string]any{
			"step": ev.Step.Number, "tool": ev.Step.Tool, "action": ev.Step.Action,
			"risk": ev.Step.SafetyCheck.RiskLevel,
		})
	case EventStepStarted:
		e.audit.Record("execution.step_started", audit.LevelDebug, map[string]any{
			"step": ev.Step.Number, "tool": ev.Step.Tool, "action": ev.Step.Action,
		})
	case EventStepFinished:
		st := ev.Step
		level := audit.LevelInfo
		if st.Status == StepFailed {
			level = audit.LevelWarn
		}
		data := map[string]any{
			"step": st.Number, "tool": st.Tool, "action": st.Action, "status": st.Status,
		}
		if r := st.Result; r != nil {
			data["success"] = r.Success
			data["exit_code"] = r.ExitCode
			data["error"] = r.Error
			data["duration_ms"] = r.Duration.Milliseconds()
			if r.Output != "" {
				data["output"] = r.Output
			}
		}
		if st.Checkpoint != "" {
			data["checkpoint"] = st.Checkpoint
		}
		e.logger.Debug("step finished",
			zap.Int("step", st.Number),
			zap.String("tool", string(st.Tool)),
			zap.String("status", string(st.Status)),
		)
		e.audit.Record("execution.step_finished", level, data)
	}
}

func ptr[T any](v T) *T { return &v }
