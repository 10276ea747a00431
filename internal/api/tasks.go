package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/strategy"
)

// directMaxSteps caps direct_execution attempts, which are meant to be
// short.
const directMaxSteps = 10

type task struct {
	mu         sync.Mutex
	id         string
	executions []string
	outcome    *strategy.Outcome
}

func (t *task) view() TaskResp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskResp{
		TaskID:     t.id,
		Done:       t.outcome != nil,
		Executions: append([]string{}, t.executions...),
		Outcome:    t.outcome,
	}
}

type taskRegistry struct {
	mu    sync.RWMutex
	limit int
	byID  map[string]*task
	order []string
}

func newTaskRegistry(limit int) *taskRegistry {
	return &taskRegistry{limit: limit, byID: make(map[string]*task)}
}

func (r *taskRegistry) add(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.id] = t
	r.order = append(r.order, t.id)
	for len(r.order) > r.limit {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *taskRegistry) get(id string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// handleSubmitTask implements POST /v1/tasks: the strategy controller
// drives planned executions until one completes or it gives up.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "No planner configured"})
		return
	}
	var req SubmitTaskReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ProjectID == "" || strings.TrimSpace(req.Description) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "project_id and description are required"})
		return
	}
	base, err := s.executionContext(r.Context(), req.UserID, req.AgentType, req.ProjectID, req.Limits)
	if err != nil {
		s.writeContextError(w, err)
		return
	}

	t := &task{id: uuid.NewString()}
	s.tasks.add(t)
	st := strategy.Task{ID: t.id, Description: req.Description, Type: req.Type}
	s.goRun(func(ctx context.Context) {
		out := s.deps.Strategy.ExecuteTask(ctx, st, s.attemptExecutor(t, base))
		t.mu.Lock()
		t.outcome = out
		t.mu.Unlock()
	})
	writeJSON(w, http.StatusAccepted, t.view())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, t.view())
}

// attemptExecutor runs each strategy attempt as a fresh planned
// execution. Earlier failures are passed to the planner as hints.
func (s *Server) attemptExecutor(t *task, base execution.Context) strategy.Executor {
	return func(ctx context.Context, st strategy.Task, a strategy.Attempt) (*strategy.Result, error) {
		ec := base
		ec.ExecutionID = ""
		ec.Goal = st.Description
		ec.Strategy = string(a.Strategy)
		ec.Limits = strategyLimits(a.Strategy, base.Limits)
		ec.Hints = nil
		for _, p := range a.Previous {
			if p.Error != "" {
				ec.Hints = append(ec.Hints, fmt.Sprintf("%s: %s", p.Strategy, p.Error))
			}
		}

		tr, err := s.newExecution(ec, nil, false)
		if err != nil {
			return nil, err
		}
		e := tr.engine
		t.mu.Lock()
		t.executions = append(t.executions, e.ID())
		t.mu.Unlock()

		_ = e.Start(ctx)
		snap := e.Snapshot()
		if snap.State == execution.StatePaused {
			// A governance halt ends the attempt; nobody resumes it.
			if err := e.Cancel(ctx); err != nil {
				s.deps.Logger.Warn("cancel of halted attempt failed", zap.String("execution_id", e.ID()), zap.Error(err))
			}
		}
		return attemptResult(snap), nil
	}
}

func strategyLimits(st strategy.Strategy, l execution.Limits) execution.Limits {
	switch st {
	case strategy.DirectExecution:
		if l.MaxSteps == 0 || l.MaxSteps > directMaxSteps {
			l.MaxSteps = directMaxSteps
		}
	case strategy.ReflectiveAnalysis, strategy.MultiAgentCollaboration:
		l.RequireCheckpoints = true
	}
	return l
}

func attemptResult(snap execution.Snapshot) *strategy.Result {
	res := &strategy.Result{
		Success: snap.State == execution.StateCompleted,
		CostUSD: snap.Counters.CostUSD,
		Tokens:  snap.Counters.TokensUsed,
	}
	var b strings.Builder
	for _, st := range snap.Steps {
		fmt.Fprintf(&b, "step %d %s: %s\n", st.Number, st.Tool, st.Status)
	}
	res.Output = b.String()
	if !res.Success {
		res.Error = fmt.Sprintf("%s: %s", snap.State, snap.Reason)
	}
	return res
}
